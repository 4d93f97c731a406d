package engine

import (
	"context"

	"github.com/pkoukk/tiktoken-go"

	"github.com/recursivelm/rlm-mcp/pkg/models"
)

// cachedEncoding memoizes one tiktoken lookup per model name, including
// failed lookups so unknown models fall back to the heuristic exactly once.
type cachedEncoding struct {
	enc *tiktoken.Tiktoken
}

// estimateTokens returns the token estimate for content. A client hint
// always wins. When the session's model hints name a model with a known
// tiktoken encoding, the exact count is used; otherwise the ~4 chars/token
// heuristic. The estimate is advisory either way.
func (e *Engine) estimateTokens(ctx context.Context, session *models.Session, content string, hint *int) int {
	if hint != nil {
		return *hint
	}
	if enc := e.encodingFor(ctx, session); enc != nil {
		return len(enc.Encode(content, nil, nil))
	}
	return models.EstimateTokens(len([]rune(content)), nil)
}

func (e *Engine) encodingFor(ctx context.Context, session *models.Session) *tiktoken.Tiktoken {
	hints := session.Config.ModelHints
	if hints == nil {
		return nil
	}
	model := hints.RootModel
	if model == "" {
		model = hints.SubcallModel
	}
	if model == "" {
		return nil
	}
	if cached, ok := e.encodings.Load(model); ok {
		return cached.(*cachedEncoding).enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		e.logger.Debug(ctx, "no tokenizer for model, using heuristic",
			"model", model, "error", err)
		enc = nil
	}
	e.encodings.Store(model, &cachedEncoding{enc: enc})
	return enc
}
