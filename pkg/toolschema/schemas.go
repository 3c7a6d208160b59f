package toolschema

// Tool names as exposed under /tools/{name}.
const (
	ToolLookupOrder      = "lookup-order"
	ToolCheckEligibility = "check-eligibility"
	ToolOfferDiscount    = "offer-discount"
	ToolCaptureFeedback  = "capture-feedback"
	ToolFileTicket       = "file-ticket"
	ToolOptOut           = "opt-out"
)

// DefaultSchemas maps each built-in tool to its argument schema.
var DefaultSchemas = map[string]string{
	ToolLookupOrder: `{
		"type": "object",
		"properties": {
			"order_number": {"type": ["string", "integer"]},
			"phone": {"type": ["string", "integer"]},
			"call_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	ToolCheckEligibility: `{
		"type": "object",
		"properties": {
			"phone": {"type": ["string", "integer"]},
			"email": {"type": "string"},
			"flow": {"enum": ["", "legacy", "event"]},
			"call_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	ToolOfferDiscount: `{
		"type": "object",
		"properties": {
			"order_id": {"type": "string"},
			"order_number": {"type": ["string", "integer"]},
			"phone": {"type": ["string", "integer"]},
			"email": {"type": "string"},
			"first_name": {"type": "string"},
			"kind": {"enum": ["", "percentage", "fixed_amount"]},
			"value": {"type": "number", "minimum": 0},
			"channel": {"enum": ["", "auto", "sms", "email", "event"]},
			"flow": {"enum": ["", "legacy", "event"]},
			"checkout_url": {"type": "string"},
			"call_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	ToolCaptureFeedback: `{
		"type": "object",
		"properties": {
			"order_number": {"type": ["string", "integer"]},
			"phone": {"type": ["string", "integer"]},
			"score": {"type": "integer", "minimum": 1, "maximum": 5},
			"comment": {"type": "string"},
			"call_id": {"type": "string"}
		},
		"required": ["score"],
		"additionalProperties": false
	}`,
	ToolFileTicket: `{
		"type": "object",
		"properties": {
			"order_number": {"type": ["string", "integer"]},
			"phone": {"type": ["string", "integer"]},
			"kind": {"enum": ["replacement", "refund"]},
			"description": {"type": "string"},
			"items": {"type": "array", "items": {"type": "string"}},
			"call_id": {"type": "string"}
		},
		"required": ["kind"],
		"additionalProperties": false
	}`,
	ToolOptOut: `{
		"type": "object",
		"properties": {
			"phone": {"type": ["string", "integer"]},
			"order_number": {"type": ["string", "integer"]},
			"call_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}
