// Package queryweave turns natural-language questions into read-only SQL
// against a relational backend and answers with both a narrative and the
// exact queries and rows that support it.
//
// The pipeline is a cooperative set of agents coordinated by a
// deterministic router: query rewrite and decomposition, cache lookup,
// schema retrieval, disambiguation, SQL generation, correction with
// execution, and final answer assembly. Retrieval runs over three hybrid
// (vector + keyword) indices: the schema store, the column value store,
// and the query cache.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/queryweave/queryweave/cmd/queryweave@latest
//
// Index your entity documents and start the server:
//
//	queryweave index --config config.yaml --entities ./data_dictionary
//	queryweave serve --config config.yaml
//
// Ask from the terminal:
//
//	queryweave ask --config config.yaml "How many orders did we have in 2008?"
//
// # Using as a Go library
//
//	import (
//	    "github.com/queryweave/queryweave/pkg/config"
//	    "github.com/queryweave/queryweave/pkg/orchestrator"
//	    "github.com/queryweave/queryweave/pkg/payloads"
//	)
//
// Build an orchestrator with your providers and call
// ProcessUserMessage; payloads stream back over the returned channel,
// ending with AnswerWithSources, DisambiguationRequest, or Error.
package queryweave
