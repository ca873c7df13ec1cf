package flare

import "fmt"

func publicPath(ownerID, flareID string) string {
	return fmt.Sprintf("activeBroadcasts/%s/public/%s", ownerID, flareID)
}

func privatePath(ownerID, flareID string) string {
	return fmt.Sprintf("activeBroadcasts/%s/private/%s", ownerID, flareID)
}

func additionalParamsPath(ownerID, flareID string) string {
	return fmt.Sprintf("activeBroadcasts/%s/additionalParams/%s", ownerID, flareID)
}

func respondersPath(ownerID, flareID string) string {
	return fmt.Sprintf("activeBroadcasts/%s/responders/%s", ownerID, flareID)
}

func responderPath(ownerID, flareID, uid string) string {
	return respondersPath(ownerID, flareID) + "/" + uid
}

func chatPath(ownerID, flareID string) string {
	return fmt.Sprintf("activeBroadcasts/%s/chats/%s", ownerID, flareID)
}

func chatMessagePath(ownerID, flareID, messageID string) string {
	return chatPath(ownerID, flareID) + "/" + messageID
}

func feedEntryPath(recipientID, flareID string) string {
	return fmt.Sprintf("feeds/%s/%s", recipientID, flareID)
}

func feedStatusPath(recipientID, flareID string) string {
	return feedEntryPath(recipientID, flareID) + "/status"
}

func slugPath(slug string) string {
	return fmt.Sprintf("flareSlugs/%s", slug)
}

func recurrencePath(ownerID, originalFlareID string) string {
	return fmt.Sprintf("recurringFlares/%s/%s", ownerID, originalFlareID)
}

func groupFlarePath(groupID, flareID string) string {
	return fmt.Sprintf("groupsWithAssociatedFlares/%s/%s", groupID, flareID)
}

func manifestPath(flareID string) string {
	return fmt.Sprintf("flareDeletionManifests/%s", flareID)
}

func confirmationCounterPath(ownerID, flareID string) string {
	return publicPath(ownerID, flareID) + "/totalConfirmations"
}

func lockedFlagPath(ownerID, flareID string) string {
	return publicPath(ownerID, flareID) + "/locked"
}

func responseIndexPath(ownerID, flareID string) string {
	return privatePath(ownerID, flareID) + "/responses"
}

func deletionHandlePath(ownerID, flareID string) string {
	return privatePath(ownerID, flareID) + "/deletionTaskHandle"
}

func lastEditIDPath(ownerID, flareID string) string {
	return privatePath(ownerID, flareID) + "/lastEditId"
}
