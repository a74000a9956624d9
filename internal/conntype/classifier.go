// Package conntype labels a connection from its traffic asymmetry and from
// how fast each side replies to the other, measured in RTTs.
package conntype

import (
	"sshtrace/internal/logging"
	"sshtrace/internal/models"
)

// Connection type labels.
const (
	ScpUp        = "scp (up)"
	ScpDown      = "scp (down)"
	Shell        = "shell"
	ReverseShell = "reverse shell"
	Tunnel       = "tunnel"
)

// FieldConnectionType is the key of the classifier's result record.
const FieldConnectionType = "Connection type"

// Config holds the classifier thresholds.
type Config struct {
	ShellMaxTimeToReply        float64 `yaml:"shell_max_time_to_reply"`        // max nb of RTTs
	ShellMinReplies            float64 `yaml:"shell_min_replies"`              // min ratio of replies
	ReverseShellMaxTimeToReply float64 `yaml:"reverse_shell_max_time_to_reply"`
	ReverseShellMinReplies     float64 `yaml:"reverse_shell_min_replies"`
	ScpDownMinAsymmetry        float64 `yaml:"scp_down_min_asymmetry"` // when the server sent more
	ScpUpMaxAsymmetry          float64 `yaml:"scp_up_max_asymmetry"`   // when the client sent more
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		ShellMaxTimeToReply:        0.7,
		ShellMinReplies:            0.6,
		ReverseShellMaxTimeToReply: 0.7,
		ReverseShellMinReplies:     0.6,
		ScpDownMinAsymmetry:        0.95,
		ScpUpMaxAsymmetry:          0.05,
	}
}

// Result is the outcome of one classification.
type Result struct {
	Type        string  `json:"type"`
	Asymmetry   float64 `json:"asymmetry"`
	ShellRatio  float64 `json:"shellRatio"`  // share of fast server replies, -1 if not computed
	RShellRatio float64 `json:"rshellRatio"` // share of fast client replies, -1 if not computed
}

// Fields returns the result record keyed by field name.
func (r Result) Fields() map[string]string {
	return map[string]string{FieldConnectionType: r.Type}
}

// Classifier labels connections whose datagrams already carry RTTs.
type Classifier struct {
	cfg    Config
	logger logging.Logger
}

// New creates a Classifier.
func New(cfg Config, logger logging.Logger) *Classifier {
	return &Classifier{cfg: cfg, logger: logger.With("analyser", "conntype")}
}

// replyWay holds the per-direction state of the time-to-reply computation.
// The trigger is the latest payload datagram of the other side still
// waiting for a reply in this way.
type replyWay struct {
	trigger *models.Datagram
	samples []float64
}

// Classify returns the connection type of conn.
func (c *Classifier) Classify(conn *models.Connection) Result {
	log := c.logger.With("connection", conn.ID)
	res := Result{ShellRatio: -1, RShellRatio: -1}
	res.Asymmetry = Asymmetry(conn)

	if res.Asymmetry > 0.5 {
		log.Debug("Asymmetry ratio for scp (down)", "ratio", res.Asymmetry, "min", c.cfg.ScpDownMinAsymmetry)
		if res.Asymmetry >= c.cfg.ScpDownMinAsymmetry {
			res.Type = ScpDown
			return c.done(log, res)
		}
	} else {
		log.Debug("Asymmetry ratio for scp (up)", "ratio", res.Asymmetry, "max", c.cfg.ScpUpMaxAsymmetry)
		if res.Asymmetry <= c.cfg.ScpUpMaxAsymmetry {
			res.Type = ScpUp
			return c.done(log, res)
		}
	}

	serverReplies, clientReplies := TimesToReply(conn)

	// Shell is checked first so it wins when both ways qualify.
	if ratio, ok := replyRatio(serverReplies, c.cfg.ShellMaxTimeToReply); ok {
		res.ShellRatio = ratio
		log.Debug("Replies ratio for shell", "ratio", ratio, "min", c.cfg.ShellMinReplies)
		if ratio >= c.cfg.ShellMinReplies {
			res.Type = Shell
			return c.done(log, res)
		}
	}
	if ratio, ok := replyRatio(clientReplies, c.cfg.ReverseShellMaxTimeToReply); ok {
		res.RShellRatio = ratio
		log.Debug("Replies ratio for reverse shell", "ratio", ratio, "min", c.cfg.ReverseShellMinReplies)
		if ratio >= c.cfg.ReverseShellMinReplies {
			res.Type = ReverseShell
			return c.done(log, res)
		}
	}

	res.Type = Tunnel
	return c.done(log, res)
}

func (c *Classifier) done(log logging.Logger, res Result) Result {
	log.Info("Computations finished", "type", res.Type)
	return res
}

// Asymmetry is the share of payload bytes sent by the server, 0 when no
// payload was exchanged.
func Asymmetry(conn *models.Connection) float64 {
	client := float64(conn.PayloadBytes(models.ClientToServer))
	server := float64(conn.PayloadBytes(models.ServerToClient))
	if server+client == 0 {
		return 0
	}
	return server / (server + client)
}

// TimesToReply returns the reply delays, in RTTs of the triggering datagram,
// of the server replying to the client and of the client replying to the
// server. Only payload datagrams count; triggers without a non-zero RTT are
// skipped.
func TimesToReply(conn *models.Connection) (serverReplies, clientReplies []float64) {
	// ways[d] collects replies sent in direction d.
	var ways [2]replyWay
	for _, d := range conn.Datagrams {
		if !d.HasPayload() {
			continue
		}
		way := &ways[d.Direction]
		if t := way.trigger; t != nil {
			if rtt, ok := t.RTT(); ok && rtt != 0 {
				way.samples = append(way.samples, float64(d.Timestamp.Sub(t.Timestamp))/float64(rtt))
			}
		}
		way.trigger = nil
		ways[d.Direction.Opposite()].trigger = d
	}
	return ways[models.ServerToClient].samples, ways[models.ClientToServer].samples
}

// replyRatio is the share of samples at or below maxTime; ok is false when
// there are no samples.
func replyRatio(samples []float64, maxTime float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	fast := 0
	for _, s := range samples {
		if s <= maxTime {
			fast++
		}
	}
	return float64(fast) / float64(len(samples)), true
}
