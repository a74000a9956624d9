// Package steppingstone detects, from the server side, whether a connection
// is relayed through an intermediate host.
//
// It follows "Stepping Stone Detection at The Server Side" (Lin, Chou and
// Chen) and assumes Nagle's algorithm is enabled at the client. Two tests are
// combined: client inter-arrival times compared against RTTs, then the
// modality of client payload sizes.
package steppingstone

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"sshtrace/internal/logging"
	"sshtrace/internal/models"
)

// Config holds the detector thresholds.
type Config struct {
	MinDatagrams       int     `yaml:"min_datagrams"`        // client payload datagrams needed to run at all
	MinSamples         int     `yaml:"min_samples"`          // IAT/RTT pairs needed for a verdict
	CloseEnough        float64 `yaml:"close_enough"`         // max relative IAT/RTT distance of a match
	IATRTTDifferent    float64 `yaml:"iat_rtt_different"`    // max match ratio for "different"
	GroupTolerance     float64 `yaml:"group_tolerance"`      // bytes
	MinGroupSize       float64 `yaml:"min_group_size"`       // share of samples for a significant group
	NModalDistribution float64 `yaml:"n_modal_distribution"` // share covered by significant groups
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		MinDatagrams:       20,
		MinSamples:         20,
		CloseEnough:        0.5,
		IATRTTDifferent:    0.01,
		GroupTolerance:     3,
		MinGroupSize:       0.1,
		NModalDistribution: 0.98,
	}
}

// Outcome is the result of the IAT/RTT comparison.
type Outcome int

const (
	Inconclusive Outcome = iota
	Different
	Similar
)

func (o Outcome) String() string {
	switch o {
	case Different:
		return "different"
	case Similar:
		return "similar"
	default:
		return "inconclusive"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "different":
		*o = Different
	case "similar":
		*o = Similar
	case "inconclusive":
		*o = Inconclusive
	default:
		return fmt.Errorf("unknown outcome %q", b)
	}
	return nil
}

// Group is a cluster of payload sizes.
type Group struct {
	Center  float64   `json:"center"`
	Members []float64 `json:"-"`
}

// Size returns the number of payloads in the group.
func (g Group) Size() int {
	return len(g.Members)
}

// Verdict is the decision for one connection and the evidence behind it.
type Verdict struct {
	SteppingStone bool    `json:"steppingStone"`
	Datagrams     int     `json:"datagrams"`
	Insufficient  bool    `json:"insufficient"`
	IATvsRTT      Outcome `json:"iatVsRtt"`
	MatchRatio    float64 `json:"matchRatio"`
	Modal         bool    `json:"modal"`
	ModalCoverage float64 `json:"modalCoverage"`
	Groups        int     `json:"groups"`
}

// Detector runs the stepping-stone tests on RTT-annotated connections.
type Detector struct {
	cfg    Config
	logger logging.Logger
}

// New creates a Detector.
func New(cfg Config, logger logging.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.With("analyser", "steppingstone")}
}

// Detect decides whether conn is part of a stepping-stone chain.
// A definite "different" from the IAT/RTT test is final; otherwise the
// payload-size modality decides.
func (d *Detector) Detect(conn *models.Connection) Verdict {
	log := d.logger.With("connection", conn.ID)
	datagrams := conn.PayloadDatagrams(models.ClientToServer)
	v := Verdict{Datagrams: len(datagrams)}

	if len(datagrams) < d.cfg.MinDatagrams {
		log.Debug("Not enough datagrams in connection", "datagrams", len(datagrams), "min", d.cfg.MinDatagrams)
		v.Insufficient = true
		return v
	}

	v.IATvsRTT, v.MatchRatio = d.CompareRTTvsIAT(datagrams)
	log.Debug("IAT/RTT comparison", "outcome", v.IATvsRTT, "similarity", v.MatchRatio)
	if v.IATvsRTT == Different {
		v.SteppingStone = true
		return v
	}

	var groups []Group
	v.Modal, v.ModalCoverage, groups = d.IsModallyDistributed(datagrams)
	v.Groups = len(groups)
	log.Debug("Payload size modality", "modal", v.Modal, "coverage", v.ModalCoverage, "groups", v.Groups)
	v.SteppingStone = v.Modal
	return v
}

// Samples pairs every client payload datagram but the first with its
// inter-arrival time since the previous one. Datagrams without an RTT are
// left out.
func Samples(datagrams []*models.Datagram) (iats, rtts []float64) {
	for i := 1; i < len(datagrams); i++ {
		rtt, ok := datagrams[i].RTT()
		if !ok {
			continue
		}
		iats = append(iats, datagrams[i].Timestamp.Sub(datagrams[i-1].Timestamp).Seconds())
		rtts = append(rtts, rtt.Seconds())
	}
	return iats, rtts
}

// CompareRTTvsIAT compares client inter-arrival times with RTTs. It returns
// Different when almost no IAT is close to its RTT, Similar otherwise, and
// Inconclusive when there are too few samples. ratio is the share of close
// samples.
func (d *Detector) CompareRTTvsIAT(datagrams []*models.Datagram) (Outcome, float64) {
	iats, rtts := Samples(datagrams)
	if len(rtts) < d.cfg.MinSamples {
		return Inconclusive, 0
	}

	matches := 0
	for i, rtt := range rtts {
		if rtt != 0 && math.Abs((rtt-iats[i])/rtt) <= d.cfg.CloseEnough {
			matches++
		}
	}
	ratio := float64(matches) / float64(len(rtts))
	if ratio <= d.cfg.IATRTTDifferent {
		return Different, ratio
	}
	return Similar, ratio
}

// IsModallyDistributed clusters payload sizes and reports whether the
// significant groups cover more than NModalDistribution of them.
func (d *Detector) IsModallyDistributed(datagrams []*models.Datagram) (bool, float64, []Group) {
	if len(datagrams) == 0 {
		return false, 0, nil
	}

	var groups []Group
	for _, dg := range datagrams {
		payload := float64(dg.PayloadLen)
		idx := d.closestGroup(payload, groups)
		if idx < 0 {
			groups = append(groups, Group{Center: payload, Members: []float64{payload}})
			continue
		}
		g := &groups[idx]
		g.Members = append(g.Members, payload)
		if avg := stat.Mean(g.Members, nil); d.canRecenter(idx, avg, groups) {
			g.Center = avg
		}
	}

	total := float64(len(datagrams))
	covered := 0
	for _, g := range groups {
		if float64(g.Size()) > total*d.cfg.MinGroupSize {
			covered += g.Size()
		}
	}
	coverage := float64(covered) / total
	return float64(covered) > d.cfg.NModalDistribution*total, coverage, groups
}

// closestGroup returns the index of the nearest group within tolerance, or -1.
// The earliest group wins a tie.
func (d *Detector) closestGroup(payload float64, groups []Group) int {
	best := -1
	bestDist := 0.0
	for i, g := range groups {
		dist := math.Abs(g.Center - payload)
		if dist <= d.cfg.GroupTolerance && (best < 0 || dist < bestDist) {
			best, bestDist = i, dist
		}
	}
	return best
}

// canRecenter reports whether moving group idx to avg keeps it out of the
// tolerance window of every other group. Groups never merge.
func (d *Detector) canRecenter(idx int, avg float64, groups []Group) bool {
	for i, g := range groups {
		if i != idx && math.Abs(g.Center-avg) <= d.cfg.GroupTolerance {
			return false
		}
	}
	return true
}
