package realtime

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gradesync-api/pkg/protocol"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://gradesync.local/schemas/"

var schemaFiles = map[string]string{
	protocol.EventAuthenticate:  "authenticate.json",
	protocol.EventStudentCreate: "student-create.json",
	protocol.EventStudentUpdate: "student-update.json",
	protocol.EventStudentDelete: "identifier.json",
	protocol.EventGradeCreate:   "grade-create.json",
	protocol.EventGradeUpdate:   "grade-update.json",
	protocol.EventGradeDelete:   "identifier.json",
	protocol.EventJoinRoom:      "room.json",
	protocol.EventLeaveRoom:     "room.json",
}

// payloadSchemas validates inbound payloads before they are decoded.
type payloadSchemas struct {
	byEvent map[string]*jsonschema.Schema
}

func loadPayloadSchemas() (*payloadSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	byFile := make(map[string]*jsonschema.Schema)

	for event, file := range schemaFiles {
		if schema, ok := byFile[file]; ok {
			compiled[event] = schema
			continue
		}

		raw, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		url := schemaBaseURL + file
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		byFile[file] = schema
		compiled[event] = schema
	}

	return &payloadSchemas{byEvent: compiled}, nil
}

// Validate checks data against the schema registered for event. Events without
// a schema accept any payload.
func (p *payloadSchemas) Validate(event string, data json.RawMessage) error {
	schema, ok := p.byEvent[event]
	if !ok {
		return nil
	}

	var document interface{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &document); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
