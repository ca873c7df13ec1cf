package flare

// Feed entry response states. Absence of a status means the recipient has not
// responded yet.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

const (
	maxActivityLength = 50
	maxLocationLength = 120
	maxNoteLength     = 280
	feedNoteLength    = 50
)

// RecipientSelectors are the caller-supplied, unresolved recipient choices.
// AllFriends supersedes every manual selection.
type RecipientSelectors struct {
	AllFriends bool     `json:"allFriends"`
	FriendIDs  []string `json:"friendIds"`
	MaskIDs    []string `json:"maskIds"`
	GroupIDs   []string `json:"groupIds"`
}

// CreateRequest describes a flare creation. It also doubles as the recurrence
// payload: re-creating a recurring flare replays the original request.
type CreateRequest struct {
	UID                  string             `json:"uid"`
	Emoji                string             `json:"emoji"`
	Activity             string             `json:"activity"`
	Note                 string             `json:"note"`
	Location             string             `json:"location"`
	Latitude             *float64           `json:"latitude,omitempty"`
	Longitude            *float64           `json:"longitude,omitempty"`
	Geohash              string             `json:"geohash,omitempty"`
	StartingTime         int64              `json:"startingTime"`
	StartingTimeRelative bool               `json:"startingTimeRelative"`
	Duration             int64              `json:"duration"`
	ConfirmationCap      int                `json:"confirmationCap"`
	RecurringDays        []int              `json:"recurringDays,omitempty"`
	OriginalFlareID      string             `json:"originalFlareId,omitempty"`
	Selectors            RecipientSelectors `json:"selectors"`
}

// EditRequest describes a flare edit. Removals are named explicitly by the
// caller; they are never derived from the recipient-set diff.
type EditRequest struct {
	CreateRequest
	FlareID               string   `json:"flareId"`
	FriendsToRemove       []string `json:"friendsToRemove"`
	GroupsToRemove        []string `json:"groupsToRemove"`
	RemoveConfirmationCap bool     `json:"removeConfirmationCap,omitempty"`
}

// GroupRecipients is one group's resolved slice of a RecipientList.
type GroupRecipients struct {
	Name    string          `json:"name"`
	Members map[string]bool `json:"members"`
}

// RecipientList is the flattened recipient set a flare was resolved to at
// create/edit time. It is stored verbatim and never regenerated from the live
// social graph, so later friend or group changes do not alter the audience.
type RecipientList struct {
	Direct map[string]bool            `json:"direct"`
	Groups map[string]GroupRecipients `json:"groups"`

	// Denormalized counts used only for analytics. A recipient reachable
	// both directly and via groups is counted once per path on purpose.
	DirectCount      int `json:"directCount"`
	GroupMemberCount int `json:"groupMemberCount"`
}

// Contains reports whether uid is a recipient through any branch.
func (l RecipientList) Contains(uid string) bool {
	if l.Direct[uid] {
		return true
	}
	for _, group := range l.Groups {
		if group.Members[uid] {
			return true
		}
	}
	return false
}

// AllUIDs returns the deduplicated union of every branch.
func (l RecipientList) AllUIDs() map[string]bool {
	uids := map[string]bool{}
	for uid := range l.Direct {
		uids[uid] = true
	}
	for _, group := range l.Groups {
		for uid := range group.Members {
			uids[uid] = true
		}
	}
	return uids
}

// Empty reports whether the list resolves to no recipients at all.
func (l RecipientList) Empty() bool {
	return len(l.AllUIDs()) == 0
}

// GroupInfo decorates feed copies delivered through a group.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

// FeedEntry is the per-recipient copy of a flare written into that
// recipient's feed. Content fields are snapshots; Status is the only field
// the recipient's own actions mutate.
type FeedEntry struct {
	FlareID        string     `json:"flareId"`
	OwnerID        string     `json:"ownerId"`
	OwnerUsername  string     `json:"ownerUsername"`
	OwnerAvatarURL string     `json:"ownerAvatarUrl,omitempty"`
	Emoji          string     `json:"emoji"`
	Activity       string     `json:"activity"`
	Note           string     `json:"note,omitempty"`
	Location       string     `json:"location,omitempty"`
	StartingTime   int64      `json:"startingTime"`
	DeathTime      int64      `json:"deathTime"`
	Slug           string     `json:"slug"`
	GroupInfo      *GroupInfo `json:"groupInfo,omitempty"`
	Status         string     `json:"status,omitempty"`
}

// PublicSection is the owner-writable, world-readable part of a flare.
type PublicSection struct {
	FlareID            string   `json:"flareId"`
	OwnerID            string   `json:"ownerId"`
	Emoji              string   `json:"emoji"`
	Activity           string   `json:"activity"`
	Note               string   `json:"note,omitempty"`
	Location           string   `json:"location,omitempty"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	Geohash            string   `json:"geohash,omitempty"`
	StartingTime       int64    `json:"startingTime"`
	DeathTime          int64    `json:"deathTime"`
	RecurringDays      []int    `json:"recurringDays,omitempty"`
	TotalConfirmations int      `json:"totalConfirmations"`
	Locked             bool     `json:"locked"`
	Slug               string   `json:"slug"`
}

// AnalyticsSnippet is the denormalized audience breakdown kept in Private.
type AnalyticsSnippet struct {
	DirectCount      int `json:"directCount"`
	GroupCount       int `json:"groupCount"`
	GroupMemberCount int `json:"groupMemberCount"`
}

// ResponseIndex tracks which recipients are currently confirmed plus the
// total number of response actions ever taken. It lives in its own store
// cell, mutated only through the optimistic transaction primitive.
type ResponseIndex struct {
	Uids  map[string]bool `json:"uids"`
	Total int             `json:"total"`
}

// PrivateSection is the server-only part of a flare.
type PrivateSection struct {
	Recipients         RecipientList    `json:"recipients"`
	ConfirmationCap    int              `json:"confirmationCap"`
	Responses          ResponseIndex    `json:"responses"`
	DeletionTaskHandle string           `json:"deletionTaskHandle,omitempty"`
	Analytics          AnalyticsSnippet `json:"analytics"`
	LastEditID         string           `json:"lastEditId"`
	ExampleFeedEntry   FeedEntry        `json:"exampleFeedEntry"`
}

// AdditionalParams keeps the original unresolved selectors plus the raw
// timing inputs, so a later edit can re-resolve without the caller
// re-supplying everything.
type AdditionalParams struct {
	Selectors       RecipientSelectors `json:"selectors"`
	Duration        int64              `json:"duration"`
	ConfirmationCap int                `json:"confirmationCap"`
	RecurringDays   []int              `json:"recurringDays,omitempty"`
	OriginalFlareID string             `json:"originalFlareId,omitempty"`
}

// ResponderSnippet is one confirmed attendee's entry in the Responders section.
type ResponderSnippet struct {
	UID         string `json:"uid"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	ConfirmedAt int64  `json:"confirmedAt"`
}

// ChatMessage is a system message appended to a flare's chat.
type ChatMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

// SlugRecord resolves a slug back to its flare.
type SlugRecord struct {
	FlareID string `json:"flareId"`
	OwnerID string `json:"ownerId"`
}

// DeletionManifest lists every store path written for a flare. It is the
// sole input to deletion: a path missing here is a permanent leak, not a
// retryable failure.
type DeletionManifest struct {
	FlareID string   `json:"flareId"`
	OwnerID string   `json:"ownerId"`
	Paths   []string `json:"paths"`
}

// RecurrenceRecord tracks a recurring series, keyed by the id that stays
// stable across re-creations.
type RecurrenceRecord struct {
	OriginalFlareID string        `json:"originalFlareId"`
	Days            []int         `json:"days"`
	LastRequest     CreateRequest `json:"lastRequest"`
	TaskHandle      string        `json:"taskHandle,omitempty"`
}

// CreateResult is the success payload of CreateFlare.
type CreateResult struct {
	FlareID      string `json:"flareId"`
	Slug         string `json:"slug"`
	StartingTime int64  `json:"startingTime"`
	DeathTime    int64  `json:"deathTime"`
}

// EditResult is the success payload of EditFlare.
type EditResult struct {
	FlareID            string `json:"flareId"`
	LastEditID         string `json:"lastEditId"`
	StartingTime       int64  `json:"startingTime"`
	DeathTime          int64  `json:"deathTime"`
	TotalConfirmations int    `json:"totalConfirmations"`
}

// ExpiryPayload is the deletion callback body; the manifest, not this
// payload, decides what gets deleted.
type ExpiryPayload struct {
	FlareID string `json:"flareId"`
}

func truncateNote(note string) string {
	if len(note) <= feedNoteLength {
		return note
	}
	return note[:feedNoteLength]
}
