package flare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/heliograph-labs/flarecast/internal/social"
)

// resolveRecipients flattens the caller's selectors into a RecipientList.
// Every per-selector lookup runs concurrently and all of them complete before
// validation, so one invalid id does not hide the discovery of others.
func (s *Service) resolveRecipients(ctx context.Context, operation, callerUID string, selectors RecipientSelectors) (RecipientList, error) {
	list := RecipientList{
		Direct: map[string]bool{},
		Groups: map[string]GroupRecipients{},
	}

	if selectors.AllFriends {
		// "All friends" supersedes manual friend and mask selection.
		friends, err := s.social.FriendIndex(ctx, callerUID)
		if err != nil {
			s.logError(operation, "friend_index_failed", err, zap.String("uid", callerUID))
			return RecipientList{}, newInfrastructureError(operation, "friend_index_failed", err)
		}
		list.Direct = friends
	} else if len(selectors.FriendIDs) > 0 || len(selectors.MaskIDs) > 0 {
		direct, err := s.resolveDirect(ctx, operation, callerUID, selectors)
		if err != nil {
			return RecipientList{}, err
		}
		list.Direct = direct
	}

	if len(selectors.GroupIDs) > 0 {
		groups, err := s.resolveGroups(ctx, operation, callerUID, selectors.GroupIDs)
		if err != nil {
			return RecipientList{}, err
		}
		list.Groups = groups
	}

	list.DirectCount = len(list.Direct)
	for _, group := range list.Groups {
		list.GroupMemberCount += len(group.Members)
	}

	return list, nil
}

func (s *Service) resolveDirect(ctx context.Context, operation, callerUID string, selectors RecipientSelectors) (map[string]bool, error) {
	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		friendIndex map[string]bool
		maskSets    = make([]map[string]bool, len(selectors.MaskIDs))
		lookupErrs  []error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		index, err := s.social.FriendIndex(ctx, callerUID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			lookupErrs = append(lookupErrs, fmt.Errorf("friend index: %w", err))
			return
		}
		friendIndex = index
	}()

	for i, maskID := range selectors.MaskIDs {
		wg.Add(1)
		go func(slot int, maskID string) {
			defer wg.Done()
			members, err := s.social.MaskMembers(ctx, callerUID, maskID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lookupErrs = append(lookupErrs, fmt.Errorf("mask %s: %w", maskID, err))
				return
			}
			maskSets[slot] = members
		}(i, maskID)
	}

	wg.Wait()

	if len(lookupErrs) > 0 {
		err := errors.Join(lookupErrs...)
		s.logError(operation, "selector_lookup_failed", err, zap.String("uid", callerUID))
		return nil, newInfrastructureError(operation, "selector_lookup_failed", err)
	}

	direct := map[string]bool{}
	for _, members := range maskSets {
		for uid := range members {
			direct[uid] = true
		}
	}

	// Explicitly listed friend ids must actually be friends; a non-friend id
	// is a hard precondition failure, never silently dropped.
	for _, friendID := range selectors.FriendIDs {
		if !friendIndex[friendID] {
			return nil, newPreconditionError(operation, "not_a_friend", fmt.Errorf("uid %s", friendID))
		}
		direct[friendID] = true
	}

	return direct, nil
}

func (s *Service) resolveGroups(ctx context.Context, operation, callerUID string, groupIDs []string) (map[string]GroupRecipients, error) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		docs       = make([]social.GroupDoc, len(groupIDs))
		missing    = make([]bool, len(groupIDs))
		lookupErrs []error
	)

	for i, groupID := range groupIDs {
		wg.Add(1)
		go func(slot int, groupID string) {
			defer wg.Done()
			doc, err := s.social.Group(ctx, groupID)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, social.ErrGroupNotFound) {
				missing[slot] = true
				return
			}
			if err != nil {
				lookupErrs = append(lookupErrs, fmt.Errorf("group %s: %w", groupID, err))
				return
			}
			docs[slot] = doc
		}(i, groupID)
	}

	wg.Wait()

	if len(lookupErrs) > 0 {
		err := errors.Join(lookupErrs...)
		s.logError(operation, "group_lookup_failed", err, zap.String("uid", callerUID))
		return nil, newInfrastructureError(operation, "group_lookup_failed", err)
	}

	groups := map[string]GroupRecipients{}
	for i, groupID := range groupIDs {
		if missing[i] {
			return nil, newPreconditionError(operation, "group_not_found", fmt.Errorf("group %s", groupID))
		}
		doc := docs[i]
		// A caller without a name entry in the group is not a member of it.
		if _, ok := doc.Members[callerUID]; !ok {
			return nil, newPreconditionError(operation, "not_a_group_member", fmt.Errorf("group %s", groupID))
		}

		members := map[string]bool{}
		for uid := range doc.Members {
			if uid == callerUID {
				continue
			}
			members[uid] = true
		}
		groups[groupID] = GroupRecipients{Name: doc.Name, Members: members}
	}

	return groups, nil
}
