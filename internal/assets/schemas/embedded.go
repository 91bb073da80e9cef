// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so document validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// WorkflowSchema is the embedded workflow-document JSON schema.
//
//go:embed workflow.schema.json
var WorkflowSchema []byte
