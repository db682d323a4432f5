package store

import "github.com/pkg/errors"

// FindNear walks one (strong_hash, size) bucket's linked list looking
// for hard-link candidates, in the order spec §4.7 describes: entries
// owned by clientID first (starting from the bucket's pointed-to entry,
// forward then backward), then every other client's entries in the
// same forward-then-backward order.
//
// Grounded on BackupServerHash::findFileHash's SFindState walk
// (original_source/urbackupserver/server_hash.cpp:1065), whose five
// states are: own-client forward from the preferred entry, own-client
// backward, then (state reset across all clients) forward, then
// backward. The teacher's FileIndex additionally threads a
// per-(hash,size,clientid) "preferred" pointer that isn't part of the
// retrieved header files; this walks the single (hash,size) list
// instead and reorders by ClientID, which gives the same candidate set
// and the same own-client-first preference without that extra index.
func (idx *EntryIndex) FindNear(key Key, clientID int64) ([]FileEntry, error) {
	headID, ok, err := idx.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	head, ok, err := idx.GetEntry(headID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("find_near: pointed-to entry %d missing for key", headID)
	}

	var ordered []FileEntry
	ordered = append(ordered, head)

	seen := map[int64]bool{head.ID: true}

	for id := head.NextEntry; id != 0 && !seen[id]; {
		e, ok, err := idx.GetEntry(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		ordered = append(ordered, e)
		seen[id] = true
		id = e.NextEntry
	}
	for id := head.PrevEntry; id != 0 && !seen[id]; {
		e, ok, err := idx.GetEntry(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		ordered = append(ordered, e)
		seen[id] = true
		id = e.PrevEntry
	}

	own := make([]FileEntry, 0, len(ordered))
	other := make([]FileEntry, 0, len(ordered))
	for _, e := range ordered {
		if e.ClientID == clientID {
			own = append(own, e)
		} else {
			other = append(other, e)
		}
	}
	return append(own, other...), nil
}
