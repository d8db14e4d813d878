package report

// Schema is the JSON Schema (Draft 2020-12) for the winnow run report.
// It documents the structure returned by WriteJSON.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://github.com/unbound-force/winnow/run-report.schema.json",
  "title": "Winnow Run Report",
  "description": "Output schema for winnow run/select --format=json",
  "type": "object",
  "required": ["version", "run_id", "programs"],
  "properties": {
    "version": {
      "type": "string",
      "description": "Report format version"
    },
    "run_id": {
      "type": "string",
      "description": "Unique identifier of the invocation (UUID)"
    },
    "programs": {
      "type": "array",
      "items": { "$ref": "#/$defs/ProgramReport" }
    }
  },
  "$defs": {
    "ProgramReport": {
      "type": "object",
      "required": ["program"],
      "properties": {
        "program": { "$ref": "#/$defs/Program" },
        "sweep": { "$ref": "#/$defs/SweepSummary" },
        "selection": { "$ref": "#/$defs/Selection" },
        "error": {
          "type": "string",
          "description": "Why the program produced no selection"
        }
      }
    },
    "Program": {
      "type": "object",
      "required": ["name", "dir", "source", "corpus"],
      "properties": {
        "name": { "type": "string" },
        "dir": { "type": "string" },
        "source": { "type": "string" },
        "corpus": { "type": "string" },
        "compile": { "type": "string" },
        "example": { "type": "string" },
        "inputs_dir": { "type": "string" },
        "test_cases": { "type": "string" }
      }
    },
    "SweepSummary": {
      "type": "object",
      "required": ["attempted", "recorded", "failures"],
      "properties": {
        "attempted": {
          "type": "integer",
          "minimum": 0,
          "description": "Tests started"
        },
        "recorded": {
          "type": "integer",
          "minimum": 0,
          "description": "Tests that yielded a coverage record"
        },
        "failures": {
          "type": "array",
          "items": { "$ref": "#/$defs/Failure" }
        }
      }
    },
    "Failure": {
      "type": "object",
      "required": ["test_id", "kind", "error"],
      "properties": {
        "test_id": { "type": "integer", "minimum": 0 },
        "kind": {
          "type": "string",
          "enum": ["execution", "report", "malformed"]
        },
        "error": { "type": "string" }
      }
    },
    "Selection": {
      "type": "object",
      "required": ["strategy", "selected", "steps", "covered", "candidates", "achievable", "complete"],
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["additional", "total", "random"]
        },
        "selected": {
          "type": "array",
          "items": { "type": "integer", "minimum": 0 },
          "description": "Selected test ids in selection order"
        },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/Step" }
        },
        "covered": {
          "type": "array",
          "items": { "$ref": "#/$defs/Unit" }
        },
        "candidates": { "type": "integer", "minimum": 0 },
        "achievable": { "type": "integer", "minimum": 0 },
        "complete": { "type": "boolean" }
      }
    },
    "Step": {
      "type": "object",
      "required": ["iteration", "test_id", "gain", "new_units", "cumulative", "remaining"],
      "properties": {
        "iteration": { "type": "integer", "minimum": 1 },
        "test_id": { "type": "integer", "minimum": 0 },
        "gain": { "type": "integer", "minimum": 1 },
        "new_units": { "type": "integer", "minimum": 1 },
        "cumulative": { "type": "integer", "minimum": 0 },
        "remaining": { "type": "integer", "minimum": 0 }
      }
    },
    "Unit": {
      "type": "object",
      "required": ["kind", "line", "edge"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["statement", "branch"]
        },
        "line": { "type": "integer", "minimum": 1 },
        "edge": { "type": "integer", "minimum": 0 }
      }
    }
  }
}`

// MutantsSchema is the JSON Schema (Draft 2020-12) for the output of
// WriteMutantsJSON.
const MutantsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://github.com/unbound-force/winnow/mutants.schema.json",
  "title": "Winnow Mutant Listing",
  "description": "Output schema for winnow mutants --format=json",
  "type": "object",
  "required": ["version", "root", "variants"],
  "properties": {
    "version": { "type": "string" },
    "root": { "type": "string" },
    "variants": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "dir", "source", "has_source"],
        "properties": {
          "name": { "type": "string" },
          "dir": { "type": "string" },
          "source": { "type": "string" },
          "has_source": { "type": "boolean" }
        }
      }
    }
  }
}`
