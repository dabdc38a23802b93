package agents

import (
	"strings"
)

// RouterConfig is the slice of configuration the router depends on.
type RouterConfig struct {
	UseQueryCache bool
	MaxMessages   int
}

// SelectNextAgent is the deterministic next-agent selector: a pure
// function of the thread and the sub-run state. It performs no I/O, so
// identical inputs always produce the identical verdict.
//
// Decision table, first match wins:
//
//	user             -> query_rewrite
//	query_rewrite    -> cache (when enabled) | schema_selection
//	cache            -> correction (hit+pre-run) | generation (hit) | schema_selection (miss)
//	schema_selection -> disambiguation (ambiguous) | generation
//	disambiguation   -> suspend (awaiting caller) | generation
//	generation       -> correction
//	correction       -> answer (validated) | generation (rejected edit) | correction (executing)
//
// Termination preempts everything: a TERMINATE mention, an answer with
// sources, or the message budget.
func SelectNextAgent(thread *Thread, state *State, cfg RouterConfig) ID {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}

	last := thread.Last()
	if last == nil {
		return IDQueryRewrite
	}

	if thread.Count() >= cfg.MaxMessages {
		return IDTerminate
	}
	if strings.Contains(last.Content, "TERMINATE") {
		return IDTerminate
	}
	if hasAnswerAndSources(last.Content) {
		return IDTerminate
	}

	switch last.Source {
	case IDUser:
		return IDQueryRewrite

	case IDQueryRewrite:
		if cfg.UseQueryCache {
			return IDCache
		}
		return IDSchemaSelection

	case IDCache:
		switch {
		case state.CacheHit != nil && state.CachePreRun:
			return IDCorrection
		case state.CacheHit != nil:
			return IDGeneration
		default:
			return IDSchemaSelection
		}

	case IDSchemaSelection:
		// A resumed run whose ambiguity was already settled skips straight
		// to generation; otherwise the disambiguation agent decides.
		if state.DisambiguationResolved {
			return IDGeneration
		}
		return IDDisambiguation

	case IDDisambiguation:
		if len(state.DisambiguationQuestions) > 0 && !state.DisambiguationResolved {
			return IDSuspend
		}
		return IDGeneration

	case IDGeneration:
		return IDCorrection

	case IDCorrection:
		switch {
		case state.Validated:
			return IDAnswer
		case state.RunError != "":
			return IDTerminate
		case strings.Contains(last.Content, `"executing":true`):
			return IDCorrection
		default:
			return IDGeneration
		}

	case IDAnswer:
		return IDTerminate
	}

	return IDTerminate
}

// hasAnswerAndSources reports whether a message carries both an "answer"
// and a "sources" field, the terminal success shape.
func hasAnswerAndSources(content string) bool {
	return strings.Contains(content, `"answer"`) && strings.Contains(content, `"sources"`)
}
