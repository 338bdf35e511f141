package jsonschema

import "errors"

var (
	// ErrSchemaSystem wraps a failure in the validation machinery itself
	// (a malformed schema document, an I/O error loading it) rather than a
	// document failing the schema it was checked against.
	ErrSchemaSystem = errors.New("jsonschema: validation system error")
	// ErrSchemaInvalid wraps a document that was checked successfully but
	// did not conform to the schema.
	ErrSchemaInvalid = errors.New("jsonschema: document failed schema validation")
)
