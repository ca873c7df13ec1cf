package flare

import (
	"encoding/json"

	"github.com/heliograph-labs/flarecast/internal/social"
)

type fanoutMode int

const (
	// fanoutCreate writes each feed entry as one value.
	fanoutCreate fanoutMode = iota
	// fanoutEdit writes content fields individually so an existing entry's
	// status field is never touched.
	fanoutEdit
)

type fanoutInput struct {
	request      CreateRequest
	flareID      string
	slug         string
	editID       string
	recipients   RecipientList
	ownerProfile social.Profile
	startingTime int64
	deathTime    int64
	mode         fanoutMode
	locked       bool
	responders   map[string]bool
}

type fanoutResult struct {
	updates  map[string]any
	manifest DeletionManifest
	feed     FeedEntry
	public   PublicSection
	private  PrivateSection
}

// buildFanout produces the complete write-set and deletion manifest for a
// flare in one pass, without issuing any writes. Every path is claimed in the
// manifest before its section data is computed; a claimed parent path covers
// the field-level writes below it.
func (s *Service) buildFanout(input fanoutInput) fanoutResult {
	req := input.request
	updates := map[string]any{}
	manifest := DeletionManifest{FlareID: input.flareID, OwnerID: req.UID}

	claim := func(path string) {
		manifest.Paths = append(manifest.Paths, path)
	}
	write := func(path string, value any) {
		claim(path)
		updates[path] = value
	}

	feed := FeedEntry{
		FlareID:        input.flareID,
		OwnerID:        req.UID,
		OwnerUsername:  input.ownerProfile.Username,
		OwnerAvatarURL: input.ownerProfile.AvatarURL,
		Emoji:          req.Emoji,
		Activity:       req.Activity,
		Note:           truncateNote(req.Note),
		Location:       req.Location,
		StartingTime:   input.startingTime,
		DeathTime:      input.deathTime,
		Slug:           input.slug,
	}

	writeFeedCopy := func(uid string, info *GroupInfo) {
		entryPath := feedEntryPath(uid, input.flareID)
		if input.mode == fanoutCreate {
			entry := feed
			entry.GroupInfo = info
			write(entryPath, &entry)
			return
		}

		// A capacity lock already withdrew the copies of everyone who had
		// not confirmed; re-materializing them would reopen a full flare.
		if input.locked && !input.responders[uid] {
			return
		}

		// Edit mode: merge field-wise into whatever copy the recipient
		// already has; status lives outside this field set by design of
		// the entry shape, so it survives every edit.
		claim(entryPath)
		updates[entryPath+"/flareId"] = feed.FlareID
		updates[entryPath+"/ownerId"] = feed.OwnerID
		updates[entryPath+"/emoji"] = feed.Emoji
		updates[entryPath+"/activity"] = feed.Activity
		updates[entryPath+"/note"] = feed.Note
		updates[entryPath+"/location"] = feed.Location
		updates[entryPath+"/startingTime"] = feed.StartingTime
		updates[entryPath+"/deathTime"] = feed.DeathTime
		updates[entryPath+"/slug"] = feed.Slug
		updates[entryPath+"/ownerUsername"] = feed.OwnerUsername
		updates[entryPath+"/ownerAvatarUrl"] = feed.OwnerAvatarURL
		if info != nil {
			updates[entryPath+"/groupInfo"] = info
		} else {
			// A former group recipient now reached directly loses the
			// decoration; an explicit null overlays the stored value,
			// where a delete would leave it visible.
			updates[entryPath+"/groupInfo"] = json.RawMessage("null")
		}
	}

	// Direct recipients first, then group members: a recipient reachable
	// through both paths keeps the group-decorated copy (last writer wins).
	for uid := range input.recipients.Direct {
		writeFeedCopy(uid, nil)
	}
	for groupID, group := range input.recipients.Groups {
		info := &GroupInfo{GroupID: groupID, Name: group.Name}
		for uid := range group.Members {
			writeFeedCopy(uid, info)
		}
		write(groupFlarePath(groupID, input.flareID), true)
	}

	public := PublicSection{
		FlareID:       input.flareID,
		OwnerID:       req.UID,
		Emoji:         req.Emoji,
		Activity:      req.Activity,
		Note:          req.Note,
		Location:      req.Location,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		Geohash:       req.Geohash,
		StartingTime:  input.startingTime,
		DeathTime:     input.deathTime,
		RecurringDays: req.RecurringDays,
		Slug:          input.slug,
	}
	claim(publicPath(req.UID, input.flareID))
	updates[publicPath(req.UID, input.flareID)] = &public

	private := PrivateSection{
		Recipients:      input.recipients,
		ConfirmationCap: req.ConfirmationCap,
		Responses:       ResponseIndex{Uids: map[string]bool{}},
		Analytics: AnalyticsSnippet{
			DirectCount:      input.recipients.DirectCount,
			GroupCount:       len(input.recipients.Groups),
			GroupMemberCount: input.recipients.GroupMemberCount,
		},
		LastEditID:       input.editID,
		ExampleFeedEntry: feed,
	}
	claim(privatePath(req.UID, input.flareID))
	updates[privatePath(req.UID, input.flareID)] = &private

	write(additionalParamsPath(req.UID, input.flareID), &AdditionalParams{
		Selectors:       req.Selectors,
		Duration:        req.Duration,
		ConfirmationCap: req.ConfirmationCap,
		RecurringDays:   req.RecurringDays,
		OriginalFlareID: req.OriginalFlareID,
	})

	if input.mode == fanoutCreate {
		write(respondersPath(req.UID, input.flareID), map[string]any{})
		write(chatPath(req.UID, input.flareID), map[string]any{})
	} else {
		// Responders and chat survive an edit untouched; the fresh manifest
		// still has to cover them.
		claim(respondersPath(req.UID, input.flareID))
		claim(chatPath(req.UID, input.flareID))
	}
	write(slugPath(input.slug), &SlugRecord{FlareID: input.flareID, OwnerID: req.UID})

	updates[manifestPath(input.flareID)] = &manifest

	return fanoutResult{
		updates:  updates,
		manifest: manifest,
		feed:     feed,
		public:   public,
		private:  private,
	}
}
