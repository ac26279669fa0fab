package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/l1tracking/kfdigi"
	"github.com/pkg/errors"
)

type stubJSON struct {
	Index  int     `json:"index"`
	Layer  int     `json:"layer"`
	R      float64 `json:"r"`
	Phi    float64 `json:"phi"`
	Z      float64 `json:"z"`
	PS     bool    `json:"ps"`
	Truths []int   `json:"truth,omitempty"`
}

type truthJSON struct {
	Index     int     `json:"index"`
	QOverPt   float64 `json:"q_over_pt"`
	Phi0      float64 `json:"phi0"`
	Z0        float64 `json:"z0"`
	TanLambda float64 `json:"tan_lambda"`
	D0        float64 `json:"d0"`
}

type candidateJSON struct {
	ID        string     `json:"id,omitempty"`
	PhiSector int        `json:"phi_sector"`
	EtaRegion int        `json:"eta_region"`
	MBin      int        `json:"m_bin"`
	CBin      int        `json:"c_bin"`
	Inv2R     float64    `json:"inv2r"`
	Phi0      float64    `json:"phi0"`
	TanL      float64    `json:"tan_lambda"`
	Z0        float64    `json:"z0"`
	Stubs     []stubJSON `json:"stubs"`
	MatchedTP *int       `json:"matched_tp,omitempty"`
}

type eventJSON struct {
	Truth      []truthJSON     `json:"truth"`
	Candidates []candidateJSON `json:"candidates"`
}

// loadEvent reads the candidates of one event. Stub words are digitized
// from the float coordinates the way the upstream digitizer does.
func loadEvent(path string, f *kfdigi.Format) ([]*kfdigi.Candidate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read event")
	}
	var ev eventJSON
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrapf(err, "failed to parse event %s", path)
	}

	tps := make(map[int]*kfdigi.TruthParticle, len(ev.Truth))
	for _, t := range ev.Truth {
		tps[t.Index] = &kfdigi.TruthParticle{
			Index:        t.Index,
			QOverPt:      t.QOverPt,
			Phi0:         t.Phi0,
			Z0:           t.Z0,
			TanLambda:    t.TanLambda,
			D0:           t.D0,
			UseForAlgEff: true,
		}
	}
	truth := func(i int) (*kfdigi.TruthParticle, error) {
		tp, ok := tps[i]
		if !ok {
			return nil, errors.Errorf("unknown truth particle %d", i)
		}
		return tp, nil
	}

	cands := make([]*kfdigi.Candidate, 0, len(ev.Candidates))
	for k, c := range ev.Candidates {
		if c.PhiSector < 0 || c.PhiSector >= f.Settings.NumPhiSectors {
			return nil, errors.Errorf("candidate %d: phi sector %d out of range", k, c.PhiSector)
		}
		if c.EtaRegion < 0 || c.EtaRegion >= len(f.Settings.EtaRegions)-1 {
			return nil, errors.Errorf("candidate %d: eta region %d out of range", k, c.EtaRegion)
		}
		stubs := make([]*kfdigi.Stub, len(c.Stubs))
		for i, s := range c.Stubs {
			st := &kfdigi.Stub{Index: s.Index, KFLayer: s.Layer, R: s.R, Phi: s.Phi, Z: s.Z, PSModule: s.PS}
			st.Digi = f.DigitizeRaw(st, c.PhiSector)
			for _, ti := range s.Truths {
				tp, err := truth(ti)
				if err != nil {
					return nil, errors.Wrapf(err, "candidate %d stub %d", k, s.Index)
				}
				st.AssocTPs = append(st.AssocTPs, tp)
			}
			stubs[i] = st
		}
		cand := kfdigi.NewCandidate(c.PhiSector, c.EtaRegion, c.MBin, c.CBin, stubs)
		if c.ID != "" {
			id, err := uuid.Parse(c.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "candidate %d", k)
			}
			cand.ID = id
		}
		cand.Inv2R, cand.Phi0, cand.TanL, cand.Z0 = c.Inv2R, c.Phi0, c.TanL, c.Z0
		if c.MatchedTP != nil {
			tp, err := truth(*c.MatchedTP)
			if err != nil {
				return nil, errors.Wrapf(err, "candidate %d", k)
			}
			cand.MatchedTP = tp
		}
		cands = append(cands, cand)
	}
	return cands, nil
}
