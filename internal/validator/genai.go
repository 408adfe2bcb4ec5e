package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"memoryengine/internal/logging"
)

// GenAIValidator implements Validator on Google's Gemini API. It shares the
// same client construction path as the GenAI embedding engine; one API key
// serves both collaborators.
type GenAIValidator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIValidator creates a GenAI-backed validator.
func NewGenAIValidator(apiKey, model string, timeout time.Duration) (*GenAIValidator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logging.Consolidate("GenAI validator ready: model=%s", model)
	return &GenAIValidator{client: client, model: model, timeout: timeout}, nil
}

type clusterResponse struct {
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	MutatedText string  `json:"mutated_text"`
}

const clusterPromptTemplate = `You are validating a candidate behavioral pattern
extracted from a sequence of recorded events.

Pattern signature: %s
Statistical confidence: %.2f
Event sequence:
%s

Answer with JSON only: {"verdict": "accept"|"reject"|"mutate",
"confidence": 0.0-1.0, "reason": "...", "mutated_text": "..."}.
Use "mutate" only to narrow the pattern (e.g. add a precondition);
never invent events that are not in the sequence.`

// ValidateCluster submits the cluster to the model and parses its judgement.
func (v *GenAIValidator) ValidateCluster(ctx context.Context, sample ClusterSample) (Judgement, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "GenAIValidator.ValidateCluster")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var events strings.Builder
	for i, c := range sample.EventContents {
		fmt.Fprintf(&events, "%d. %s\n", i+1, c)
	}
	prompt := fmt.Sprintf(clusterPromptTemplate, sample.Signature, sample.Confidence, events.String())

	raw, err := v.generate(ctx, prompt)
	if err != nil {
		return Judgement{}, err
	}

	var resp clusterResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return Judgement{}, fmt.Errorf("validator returned unparseable judgement: %w", err)
	}

	verdict := Verdict(resp.Verdict)
	switch verdict {
	case VerdictAccept, VerdictReject, VerdictMutate:
	default:
		return Judgement{}, fmt.Errorf("validator returned unknown verdict %q", resp.Verdict)
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		resp.Confidence = sample.Confidence
	}
	return Judgement{
		Verdict:     verdict,
		Confidence:  resp.Confidence,
		Reason:      resp.Reason,
		MutatedText: resp.MutatedText,
	}, nil
}

// JudgeContradiction asks the model whether two statements are incompatible.
func (v *GenAIValidator) JudgeContradiction(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Do these two statements contradict each other?
A: %s
B: %s
Answer with JSON only: {"contradiction": true|false}`, a, b)

	raw, err := v.generate(ctx, prompt)
	if err != nil {
		return false, err
	}
	var resp struct {
		Contradiction bool `json:"contradiction"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return false, fmt.Errorf("validator returned unparseable judgement: %w", err)
	}
	return resp.Contradiction, nil
}

// Rerank orders candidates by relevance to query. The model returns indices;
// any candidates it omits keep their original relative order at the tail, so
// a partial answer degrades instead of dropping results.
func (v *GenAIValidator) Rerank(ctx context.Context, query string, candidates []string) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var list strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&list, "[%d] %s\n", i, c)
	}
	prompt := fmt.Sprintf(`Rank these records by relevance to the query.
Query: %s
Records:
%s
Answer with JSON only: {"order": [most relevant index, ...]}`, query, list.String())

	raw, err := v.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Order []int `json:"order"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("validator returned unparseable ranking: %w", err)
	}

	seen := make(map[int]bool, len(candidates))
	order := make([]int, 0, len(candidates))
	for _, idx := range resp.Order {
		if idx >= 0 && idx < len(candidates) && !seen[idx] {
			order = append(order, idx)
			seen[idx] = true
		}
	}
	for i := range candidates {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}

func (v *GenAIValidator) generate(ctx context.Context, prompt string) (string, error) {
	result, err := v.client.Models.GenerateContent(ctx, v.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned empty response")
	}
	return text, nil
}

// extractJSON trims any markdown fencing the model wraps around its JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
