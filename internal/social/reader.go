package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/heliograph-labs/flarecast/internal/store"
)

// GroupsCollection is the document-store collection owned by the group service.
const GroupsCollection = "groups"

var (
	// ErrGroupNotFound indicates the group id resolves to no document.
	ErrGroupNotFound = errors.New("social: group not found")
	errMissingStore  = errors.New("social: store is required")
)

// GroupDoc is the group service's document shape: members maps uid to the
// display name the group knows that member by.
type GroupDoc struct {
	GroupID string            `json:"groupId"`
	Name    string            `json:"name"`
	Members map[string]string `json:"members"`
}

// Profile is the public snippet of a user, denormalized into feed copies.
type Profile struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

// ReaderConfig describes the dependencies of the social graph reader.
type ReaderConfig struct {
	Store store.Store
}

// Reader provides read-only access to the friend graph, masks, groups and
// profiles maintained by external collaborators. Profiles are cached for the
// life of the process; the snippet fields change rarely and feed copies are
// point-in-time anyway.
type Reader struct {
	store        store.Store
	profileCache sync.Map
}

// NewReader constructs the reader, validating its configuration.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	return &Reader{store: cfg.Store}, nil
}

// FriendIndex returns the full friend-uid set of uid.
func (r *Reader) FriendIndex(ctx context.Context, uid string) (map[string]bool, error) {
	return r.uidSet(ctx, fmt.Sprintf("friends/%s", uid))
}

// MaskMembers returns the member-uid set of one of uid's masks. A missing
// mask path reads as an empty mask; empty masks are legal selectors.
func (r *Reader) MaskMembers(ctx context.Context, uid, maskID string) (map[string]bool, error) {
	return r.uidSet(ctx, fmt.Sprintf("masks/%s/%s/members", uid, maskID))
}

// Group fetches a group document by id from the document store.
func (r *Reader) Group(ctx context.Context, groupID string) (GroupDoc, error) {
	docs, err := r.store.Query(ctx, GroupsCollection, "groupId", store.OpEquals, groupID)
	if err != nil {
		return GroupDoc{}, err
	}
	if len(docs) == 0 {
		return GroupDoc{}, ErrGroupNotFound
	}
	var doc GroupDoc
	if err := json.Unmarshal(docs[0].Body, &doc); err != nil {
		return GroupDoc{}, err
	}
	return doc, nil
}

// Profile returns the public snippet of uid, served from the process cache
// after the first lookup. Unknown users resolve to a zero profile.
func (r *Reader) Profile(ctx context.Context, uid string) (Profile, error) {
	if cached, ok := r.profileCache.Load(uid); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	raw, present, err := r.store.Get(ctx, fmt.Sprintf("users/%s/publicFields", uid))
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{}
	if present {
		if err := json.Unmarshal(raw, &profile); err != nil {
			return Profile{}, err
		}
	}

	r.profileCache.Store(uid, profile)
	return profile, nil
}

func (r *Reader) uidSet(ctx context.Context, path string) (map[string]bool, error) {
	raw, present, err := r.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	uids := map[string]bool{}
	if !present {
		return uids, nil
	}
	if err := json.Unmarshal(raw, &uids); err != nil {
		return nil, err
	}
	return uids, nil
}
