package cel

// FilterExpressionExamples lists filters accepted by the consumer and the
// tail command.
var FilterExpressionExamples = map[string]string{
	"by_type":         `msgType == "login"`,
	"type_in_list":    `msgType in ["login", "logout"]`,
	"by_source":       `source == "gateway-1"`,
	"header_present":  `"tenant" in headers`,
	"header_equals":   `"tenant" in headers && headers["tenant"] == "acme"`,
	"payload_field":   `payload.status == "active"`,
	"payload_numeric": `payload.amount > 100.0`,
	"payload_has":     `has(payload.email) && payload.email != ""`,
	"text_protocol":   `protocol == "text" && payload.startsWith("PING")`,
	"combined":        `msgType == "order" && payload.amount >= 10.0 && payload.country == "US"`,
	"sharded_streams": `stream.contains("#")`,
	"exclude_replies": `msgType != "resp" && msgType != "error"`,
}
