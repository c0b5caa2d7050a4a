package natsbus

import "fmt"

// Topic patterns for swarm pub/sub communication.

func TopicMailbox(agentID string) string {
	return fmt.Sprintf("agent.%s.mailbox", agentID)
}

func TopicResponse(messageID string) string {
	return fmt.Sprintf("response.%s", messageID)
}

func TopicChannel(name string) string {
	return fmt.Sprintf("channel.%s", name)
}

const TopicMonitoring = "channel.monitoring"
