package region

import "github.com/Shylock-Hg/tikv/pkg/api"

// ToWire converts region metadata to its api form.
func (r Region) ToWire() *api.Region {
	out := &api.Region{
		ID:       uint64(r.ID),
		StartKey: append([]byte(nil), r.Range.Start...),
		EndKey:   append([]byte(nil), r.Range.End...),
		Epoch:    api.RegionEpoch{Version: r.Epoch.Version, ConfVersion: r.Epoch.ConfVersion},
		Leader:   r.Leader,
	}
	for _, p := range r.Peers {
		out.Peers = append(out.Peers, api.PeerMeta{
			ID:        p.ID,
			StoreID:   p.StoreID,
			IsLearner: p.Role == Learner,
		})
	}
	return out
}

// FromWire converts api region metadata back to the internal form.
func FromWire(in *api.Region) Region {
	if in == nil {
		return Region{}
	}
	r := Region{
		ID: ID(in.ID),
		Range: KeyRange{
			Start: append([]byte(nil), in.StartKey...),
			End:   append([]byte(nil), in.EndKey...),
		},
		Epoch:  Epoch{Version: in.Epoch.Version, ConfVersion: in.Epoch.ConfVersion},
		Leader: in.Leader,
	}
	for _, p := range in.Peers {
		role := Voter
		if p.IsLearner {
			role = Learner
		}
		r.Peers = append(r.Peers, Peer{ID: p.ID, StoreID: p.StoreID, Role: role})
	}
	return r
}
