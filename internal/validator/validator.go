// Package validator defines the optional LLM validator collaborator. The
// Consolidator consults it for candidate Patterns in the uncertainty band,
// the Arbiter escalates hard negation cases to it, and the Retriever uses it
// for opt-in reranking. Its absence is a first-class branch: every caller
// checks for nil and proceeds with its pre-validation answer.
package validator

import "context"

// Verdict is the validator's decision on a candidate Pattern.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
	VerdictMutate Verdict = "mutate"
)

// ClusterSample is what the Consolidator submits for validation: the cluster
// signature plus the raw Event contents in sequence order.
type ClusterSample struct {
	Signature     string
	EventContents []string
	Confidence    float64
}

// Judgement is the validator's structured answer. MutatedText is only set
// for VerdictMutate; the mutation may narrow the pattern text but callers
// must never let it alter the source Event id list.
type Judgement struct {
	Verdict     Verdict
	Confidence  float64
	Reason      string
	MutatedText string
}

// Validator is the external collaborator contract. Implementations are
// permitted to be slow (seconds); callers invoke it only from background
// paths or with explicit opt-in.
type Validator interface {
	// ValidateCluster judges one candidate Pattern.
	ValidateCluster(ctx context.Context, sample ClusterSample) (Judgement, error)

	// JudgeContradiction reports whether a and b assert incompatible
	// things. Used by the Arbiter for negation cases its lexical
	// heuristic cannot decide.
	JudgeContradiction(ctx context.Context, a, b string) (bool, error)

	// Rerank orders candidate texts by relevance to query, returning a
	// permutation of candidate indices, best first. Ties must preserve
	// input order.
	Rerank(ctx context.Context, query string, candidates []string) ([]int, error)
}
