package domain

import "strings"

const (
	userChannelPrefix = "user:"
	// GlobalEmergencyChannel carries system-wide emergency alerts.
	GlobalEmergencyChannel = "global:emergency"
)

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ChannelUser returns the user id of a user channel.
func ChannelUser(channel string) (string, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, userChannelPrefix)
	return id, id != ""
}
