package kfdigi

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/l1tracking/kfdigi/fixed"
)

// Stub is a detector hit as delivered by the upstream track finder.
type Stub struct {
	Index    int
	KFLayer  int
	R        float64 // cm from the beamline
	Phi      float64 // rad
	Z        float64 // cm
	PSModule bool
	Digi     RawStub
	AssocTPs []*TruthParticle
}

// RawStub holds the words the upstream digitizer sends: r minus the phi
// reference radius, phi relative to the sector centre and z, in upstream units.
type RawStub struct {
	RT   int64
	PhiS int64
	Z    int64
}

// DigitizeRaw emulates the upstream digitizer for a stub in phi sector iPhiSec.
func (f *Format) DigitizeRaw(s *Stub, iPhiSec int) RawStub {
	return RawStub{
		RT:   int64(math.Round((s.R - f.Settings.ChosenRofPhi) * f.RMult)),
		PhiS: int64(math.Round(deltaPhi(s.Phi, f.PhiSectorCentre(iPhiSec)) * f.PhiMult)),
		Z:    int64(math.Round(s.Z * f.RMult / float64(f.ZScale))),
	}
}

// StubCluster groups the stubs found in one layer.
type StubCluster struct {
	stubs []*Stub
}

// NewStubCluster returns a cluster of the provided stubs.
func NewStubCluster(stubs ...*Stub) *StubCluster {
	return &StubCluster{stubs: stubs}
}

// Stubs returns the stubs of the cluster.
func (c *StubCluster) Stubs() []*Stub { return c.stubs }

// Size returns the number of stubs.
func (c *StubCluster) Size() int { return len(c.stubs) }

// KFLayer returns the layer of the first stub, -1 when empty.
func (c *StubCluster) KFLayer() int {
	if len(c.stubs) == 0 {
		return -1
	}
	return c.stubs[0].KFLayer
}

// PS reports whether the cluster sits in a PS module.
func (c *StubCluster) PS() bool {
	return len(c.stubs) > 0 && c.stubs[0].PSModule
}

func (c *StubCluster) mean(get func(*Stub) float64) float64 {
	if len(c.stubs) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.stubs {
		sum += get(s)
	}
	return sum / float64(len(c.stubs))
}

// R returns the mean radius.
func (c *StubCluster) R() float64 { return c.mean(func(s *Stub) float64 { return s.R }) }

// Z returns the mean z.
func (c *StubCluster) Z() float64 { return c.mean(func(s *Stub) float64 { return s.Z }) }

// Phi returns the mean phi, computed relative to the first stub to survive wrapping.
func (c *StubCluster) Phi() float64 {
	if len(c.stubs) == 0 {
		return 0
	}
	ref := c.stubs[0].Phi
	return ref + c.mean(func(s *Stub) float64 { return deltaPhi(s.Phi, ref) })
}

// AssocTPs returns the truth particles shared by every stub of the cluster.
func (c *StubCluster) AssocTPs() []*TruthParticle {
	if len(c.stubs) == 0 {
		return nil
	}
	var common []*TruthParticle
	for _, tp := range c.stubs[0].AssocTPs {
		shared := true
		for _, s := range c.stubs[1:] {
			if !containsTP(s.AssocTPs, tp) {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, tp)
		}
	}
	return common
}

func containsTP(tps []*TruthParticle, tp *TruthParticle) bool {
	for _, t := range tps {
		if t == tp {
			return true
		}
	}
	return false
}

// DigitalStub is a single stub in the updater's hardware units.
type DigitalStub struct {
	R     fixed.Value
	PhiS  fixed.Value
	Z     fixed.Value
	PS    bool
	Valid bool
}

// Candidate is a track candidate from the Hough transform with its stubs.
type Candidate struct {
	ID      uuid.UUID
	IPhiSec int
	IEtaReg int
	// MBin and CBin index the HT cell, counted from the array corner.
	MBin, CBin int
	// HT helix estimate, phi0 relative to the sector centre.
	Inv2R, Phi0, TanL, Z0 float64
	Stubs                 []*Stub
	// Clusters, when set, replaces the per-layer grouping of Stubs.
	Clusters  [][]*StubCluster
	MatchedTP *TruthParticle
}

// NewCandidate returns a candidate with a fresh ID.
func NewCandidate(iPhiSec, iEtaReg, mBin, cBin int, stubs []*Stub) *Candidate {
	return &Candidate{ID: uuid.New(), IPhiSec: iPhiSec, IEtaReg: iEtaReg, MBin: mBin, CBin: cBin, Stubs: stubs}
}

// Layers groups the stubs by KF layer, one single-stub cluster per stub.
// Stubs outside [0, n) are ignored.
func (c *Candidate) Layers(n int) [][]*StubCluster {
	if c.Clusters != nil {
		return c.Clusters
	}
	layers := make([][]*StubCluster, n)
	stubs := make([]*Stub, len(c.Stubs))
	copy(stubs, c.Stubs)
	sort.SliceStable(stubs, func(i, j int) bool { return stubs[i].R < stubs[j].R })
	for _, s := range stubs {
		if s.KFLayer < 0 || s.KFLayer >= n {
			continue
		}
		layers[s.KFLayer] = append(layers[s.KFLayer], NewStubCluster(s))
	}
	return layers
}
