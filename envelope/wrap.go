package envelope

import "encoding/json"

// snsMessage recognizes an SNS-to-SQS delivery: a top-level object with
// Type == "Notification", a TopicArn, and a Message field holding the
// JSON-escaped inner envelope. On a match it records the outer metadata into
// aux and returns the inner envelope bytes.
func snsMessage(probe map[string]json.RawMessage, aux *TransportMetadata) ([]byte, bool) {
	typeRaw, hasType := probe["Type"]
	topicRaw, hasTopic := probe["TopicArn"]
	msgRaw, hasMsg := probe["Message"]
	if !hasType || !hasTopic || !hasMsg {
		return nil, false
	}

	var notifType string
	if err := json.Unmarshal(typeRaw, &notifType); err != nil || notifType != "Notification" {
		return nil, false
	}

	var topicArn string
	_ = json.Unmarshal(topicRaw, &topicArn)

	var message string
	if err := json.Unmarshal(msgRaw, &message); err != nil {
		return nil, false
	}

	aux.SNSTopicArn = topicArn
	if idRaw, ok := probe["MessageId"]; ok {
		var id string
		if json.Unmarshal(idRaw, &id) == nil {
			aux.SNSMessageID = id
		}
	}

	return []byte(message), true
}

// eventBridgeDetail recognizes an EventBridge-to-SQS delivery: a top-level
// object carrying detail together with detail-type, source, and time. The
// detail field may be an object (used as-is) or a JSON-escaped string (it is
// itself JSON and is unwrapped one level further).
func eventBridgeDetail(probe map[string]json.RawMessage, aux *TransportMetadata) ([]byte, bool) {
	detailRaw, hasDetail := probe["detail"]
	detailTypeRaw, hasDetailType := probe["detail-type"]
	sourceRaw, hasSource := probe["source"]
	_, hasTime := probe["time"]
	if !hasDetail || !hasDetailType || !hasSource || !hasTime {
		return nil, false
	}

	var detailType, source string
	_ = json.Unmarshal(detailTypeRaw, &detailType)
	_ = json.Unmarshal(sourceRaw, &source)
	aux.EventBridgeDetailType = detailType
	aux.EventBridgeSource = source

	if resRaw, ok := probe["resources"]; ok {
		var resources []string
		if json.Unmarshal(resRaw, &resources) == nil {
			aux.EventBridgeResources = resources
		}
	}

	trimmed := trimSpace(detailRaw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(detailRaw, &inner); err != nil {
			return nil, false
		}
		return []byte(inner), true
	}

	return detailRaw, true
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
