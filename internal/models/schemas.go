package models

// JSON Schemas enforced on oracle structured output. Keeping them next to
// the response types they describe makes drift between schema and struct
// visible in review.

// PlanDraftSchema returns the JSON Schema for a planner proposal draft.
// The oracle returns task stubs; ids and cycle numbers are assigned by the
// planner after structural repair.
func PlanDraftSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Plan Draft",
  "description": "Proposed task batch for one research cycle",
  "type": "object",
  "required": ["tasks", "rationale"],
  "properties": {
    "rationale": {
      "type": "string",
      "description": "Why this batch advances the research"
    },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "description", "expected_output"],
        "properties": {
          "type": {
            "type": "string",
            "enum": ["code-analysis", "literature-review", "hypothesis-generation", "data-exploration"]
          },
          "description": {
            "type": "string"
          },
          "expected_output": {
            "type": "string"
          },
          "exploration": {
            "type": "boolean",
            "description": "True for exploratory tasks, false for exploitation of known leads"
          }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
}

// PlanReviewSchema returns the JSON Schema for the plan validator's
// structured verdict.
func PlanReviewSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Plan Review",
  "description": "Dimension scores for a proposed task batch",
  "type": "object",
  "required": ["scores", "feedback"],
  "properties": {
    "scores": {
      "type": "object",
      "required": ["specificity", "relevance", "diversity", "coverage", "feasibility"],
      "properties": {
        "specificity": {"type": "number", "minimum": 0, "maximum": 10},
        "relevance": {"type": "number", "minimum": 0, "maximum": 10},
        "diversity": {"type": "number", "minimum": 0, "maximum": 10},
        "coverage": {"type": "number", "minimum": 0, "maximum": 10},
        "feasibility": {"type": "number", "minimum": 0, "maximum": 10}
      },
      "additionalProperties": false
    },
    "feedback": {
      "type": "string",
      "description": "Actionable feedback for one revision attempt"
    }
  },
  "additionalProperties": false
}`
}

// FindingScoreSchema returns the JSON Schema for the finding validator's
// eight-dimension rubric scores.
func FindingScoreSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Finding Score",
  "description": "Rubric scores for a single research finding",
  "type": "object",
  "required": ["scores", "feedback"],
  "properties": {
    "scores": {
      "type": "object",
      "required": ["rigor", "impact", "novelty", "reproducibility", "clarity", "coherence", "limitations", "ethics"],
      "properties": {
        "rigor": {"type": "number", "minimum": 0, "maximum": 1},
        "impact": {"type": "number", "minimum": 0, "maximum": 1},
        "novelty": {"type": "number", "minimum": 0, "maximum": 1},
        "reproducibility": {"type": "number", "minimum": 0, "maximum": 1},
        "clarity": {"type": "number", "minimum": 0, "maximum": 1},
        "coherence": {"type": "number", "minimum": 0, "maximum": 1},
        "limitations": {"type": "number", "minimum": 0, "maximum": 1},
        "ethics": {"type": "number", "minimum": 0, "maximum": 1}
      },
      "additionalProperties": false
    },
    "feedback": {
      "type": "string"
    }
  },
  "additionalProperties": false
}`
}

// SummarySchema returns the JSON Schema for the per-task summarization step
// that turns raw execution output into a finding draft.
func SummarySchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Task Summary",
  "description": "Two-line summary with statistics distilled from raw task output",
  "type": "object",
  "required": ["summary", "interpretation"],
  "properties": {
    "summary": {
      "type": "string",
      "description": "At most two sentences describing the result"
    },
    "interpretation": {
      "type": "string",
      "description": "What the result means for the research question"
    },
    "statistics": {
      "type": "object",
      "additionalProperties": {"type": "number"},
      "description": "Named numeric results extracted from the output"
    },
    "hypotheses": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["statement", "verdict"],
        "properties": {
          "statement": {"type": "string"},
          "verdict": {"type": "string", "enum": ["supported", "refuted", "undetermined"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "additionalProperties": false
      },
      "description": "Standing claims this result bears on"
    },
    "contradicts": {
      "type": "array",
      "items": {"type": "string"},
      "description": "IDs of prior findings this result directly contradicts"
    }
  },
  "additionalProperties": false
}`
}

// NarrativeSchema returns the JSON Schema for folding a completed cycle
// into the running research narrative.
func NarrativeSchema() string {
	return `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Running Narrative",
  "type": "object",
  "required": ["narrative"],
  "properties": {
    "narrative": {
      "type": "string",
      "description": "The updated narrative covering all cycles so far"
    }
  },
  "additionalProperties": false
}`
}
