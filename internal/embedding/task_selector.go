package embedding

import (
	"strings"

	"memoryengine/internal/logging"
)

// ContentType represents the type of content being embedded. The engine
// embeds record bodies at insert time and query text at retrieval time;
// GenAI task types differ between the two, so the stored and query vectors
// land in the same retrieval-optimized space.
type ContentType string

const (
	ContentTypeEvent     ContentType = "event"     // Episodic event content
	ContentTypeFact      ContentType = "fact"      // Semantic memory
	ContentTypeProcedure ContentType = "procedure" // Step sequences
	ContentTypePattern   ContentType = "pattern"   // Consolidation output
	ContentTypeCode      ContentType = "code"      // Code-aware event payloads
	ContentTypeQuery     ContentType = "query"     // Retrieval queries
)

// SelectTaskType selects the optimal GenAI task type based on content.
// This ensures embeddings are optimized for their specific use case.
func SelectTaskType(contentType ContentType, isQuery bool) string {
	logging.EmbeddingDebug("SelectTaskType: content_type=%s, is_query=%v", contentType, isQuery)

	var taskType string

	switch contentType {
	case ContentTypeCode:
		if isQuery {
			taskType = "CODE_RETRIEVAL_QUERY" // Searching for code
		} else {
			taskType = "RETRIEVAL_DOCUMENT" // Indexing code
		}

	case ContentTypeQuery:
		taskType = "RETRIEVAL_QUERY" // General search queries

	case ContentTypeEvent, ContentTypeFact, ContentTypeProcedure:
		if isQuery {
			taskType = "RETRIEVAL_QUERY"
		} else {
			taskType = "RETRIEVAL_DOCUMENT" // Indexing record bodies
		}

	case ContentTypePattern:
		// Patterns are compared against each other (contradiction
		// detection) as often as they are retrieved.
		taskType = "SEMANTIC_SIMILARITY"

	default:
		taskType = "SEMANTIC_SIMILARITY"
	}

	logging.EmbeddingDebug("SelectTaskType: selected task_type=%s", taskType)
	return taskType
}

// DetectContentType infers the content type from the text itself when the
// caller did not say which record kind it came from.
func DetectContentType(text string) ContentType {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ContentTypeFact
	}

	// Code markers: fenced blocks, common declaration keywords, diff hunks.
	codeMarkers := []string{"```", "func ", "def ", "class ", "import ", "package ", "@@ -", "+++ ", "--- "}
	for _, m := range codeMarkers {
		if strings.Contains(trimmed, m) {
			return ContentTypeCode
		}
	}

	// Short interrogatives read as queries.
	lower := strings.ToLower(trimmed)
	if strings.HasSuffix(trimmed, "?") ||
		strings.HasPrefix(lower, "how ") || strings.HasPrefix(lower, "what ") ||
		strings.HasPrefix(lower, "why ") || strings.HasPrefix(lower, "where ") {
		return ContentTypeQuery
	}

	// Numbered step sequences read as procedures.
	if strings.Contains(trimmed, "\n1.") || strings.Contains(trimmed, "\n2.") ||
		strings.HasPrefix(trimmed, "1.") {
		return ContentTypeProcedure
	}

	return ContentTypeFact
}

// GetOptimalTaskType combines detection and selection in one call.
func GetOptimalTaskType(text string, isQuery bool) string {
	return SelectTaskType(DetectContentType(text), isQuery)
}
