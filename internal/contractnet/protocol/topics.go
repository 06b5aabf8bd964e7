package protocol

// Topic scheme, as laid out by the original lab. The CfP topic is a
// broadcast; bids flow on a per-job topic; awards and rejections are
// addressed per machine.
const (
	// TopicCfP is the broadcast call-for-proposal topic.
	TopicCfP = "cfp/jobs"
)

// BidTopic is where machines answer one job's CfP.
func BidTopic(jobID string) string {
	return "bids/" + jobID
}

// AwardTopic carries awards addressed to one machine.
func AwardTopic(machineID string) string {
	return "awards/" + machineID
}

// RejectTopic carries not-selected rejections addressed to one machine.
func RejectTopic(machineID string) string {
	return "rejects/" + machineID
}
