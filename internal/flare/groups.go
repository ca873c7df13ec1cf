package flare

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// AddGroupMembers fans active flares out to members added to a group after
// those flares were created. Each new member receives the stored example
// feed entry decorated with the group info, the per-flare manifests grow to
// cover the new copies, and the private recipient lists pick up the members
// so later edits and removals see them.
func (s *Service) AddGroupMembers(ctx context.Context, groupID string, memberUIDs []string) error {
	if groupID == "" {
		return newValidationError(opAddGroupMembers, "missing_group_id", fmt.Errorf("group id is required"))
	}
	if len(memberUIDs) == 0 {
		return nil
	}

	flareIDs, err := s.groupFlareIDs(ctx, groupID)
	if err != nil {
		return err
	}
	if len(flareIDs) == 0 {
		return nil
	}

	for _, flareID := range flareIDs {
		if err := s.addMembersToFlare(ctx, groupID, flareID, memberUIDs); err != nil {
			return err
		}
	}

	s.logger.Info("group members added to active flares",
		zap.String("group_id", groupID),
		zap.Int("members", len(memberUIDs)),
		zap.Int("flares", len(flareIDs)))
	return nil
}

func (s *Service) groupFlareIDs(ctx context.Context, groupID string) ([]string, error) {
	raw, present, err := s.store.Get(ctx, "groupsWithAssociatedFlares/"+groupID)
	if err != nil {
		s.logError(opAddGroupMembers, "group_index_read_failed", err, zap.String("group_id", groupID))
		return nil, newInfrastructureError(opAddGroupMembers, "group_index_read_failed", err)
	}
	if !present {
		return nil, nil
	}
	var index map[string]bool
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, newInfrastructureError(opAddGroupMembers, "group_index_decode_failed", err)
	}
	ids := make([]string, 0, len(index))
	for flareID, active := range index {
		if active {
			ids = append(ids, flareID)
		}
	}
	return ids, nil
}

func (s *Service) addMembersToFlare(ctx context.Context, groupID, flareID string, memberUIDs []string) error {
	manifest, present, err := s.loadManifest(ctx, opAddGroupMembers, flareID)
	if err != nil {
		return err
	}
	if !present {
		// Deleted between index read and now; the index entry died with it.
		return nil
	}

	raw, ok, err := s.store.Get(ctx, privatePath(manifest.OwnerID, flareID))
	if err != nil {
		s.logError(opAddGroupMembers, "private_read_failed", err, zap.String("flare_id", flareID))
		return newInfrastructureError(opAddGroupMembers, "private_read_failed", err)
	}
	if !ok {
		return nil
	}
	var private PrivateSection
	if err := json.Unmarshal(raw, &private); err != nil {
		return newInfrastructureError(opAddGroupMembers, "private_decode_failed", err)
	}

	group, targeted := private.Recipients.Groups[groupID]
	if !targeted {
		return nil
	}
	if group.Members == nil {
		group.Members = map[string]bool{}
	}

	updates := map[string]any{}
	for _, uid := range memberUIDs {
		if uid == manifest.OwnerID || group.Members[uid] {
			continue
		}
		group.Members[uid] = true
		private.Recipients.GroupMemberCount++

		entry := private.ExampleFeedEntry
		entry.GroupInfo = &GroupInfo{GroupID: groupID, Name: group.Name}
		entryPath := feedEntryPath(uid, flareID)
		updates[entryPath] = &entry
		manifest.Paths = append(manifest.Paths, entryPath)
	}
	if len(updates) == 0 {
		return nil
	}

	// Only the recipients subtree changes; a whole-section rewrite would
	// clobber the response index and deletion handle cells.
	private.Recipients.Groups[groupID] = group
	updates[privatePath(manifest.OwnerID, flareID)+"/recipients"] = &private.Recipients
	updates[manifestPath(flareID)] = &manifest

	if err := s.store.BatchWrite(ctx, updates); err != nil {
		s.logError(opAddGroupMembers, "batch_write_failed", err, zap.String("flare_id", flareID))
		return newInfrastructureError(opAddGroupMembers, "batch_write_failed", err)
	}
	return nil
}
