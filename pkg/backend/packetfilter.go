package backend

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// DefaultCommandTimeout bounds one packet-filter tool invocation.
const DefaultCommandTimeout = 10 * time.Second

// CommandFunc runs one external command and returns its output streams.
// Swapped out in tests.
type CommandFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// PacketFilterConfig configures the packet-filter backend.
type PacketFilterConfig struct {
	NFTPath string // nft binary (default "nft")
	Table   string // ruleset table, e.g. "inet"
	Chain   string // ruleset chain, e.g. "filter"
	Set     string // named set holding allowed MACs
	Timeout time.Duration
	Command CommandFunc // executor override, tests only
}

// PacketFilter admits clients by adding their MAC to a named set in an
// nftables ruleset and revokes them by deleting the element again.
type PacketFilter struct {
	cfg    PacketFilterConfig
	logger *zap.Logger
	run    CommandFunc
}

// NewPacketFilter creates a packet-filter backend.
func NewPacketFilter(cfg PacketFilterConfig, logger *zap.Logger) *PacketFilter {
	if cfg.NFTPath == "" {
		cfg.NFTPath = "nft"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCommandTimeout
	}

	run := cfg.Command
	if run == nil {
		run = runCommand
	}

	return &PacketFilter{
		cfg:    cfg,
		logger: logger,
		run:    run,
	}
}

func (b *PacketFilter) Name() string { return "packetfilter" }
func (b *PacketFilter) Kind() Kind   { return KindMAC }

// Authorize adds the MAC to the allowed set.
func (b *PacketFilter) Authorize(ctx context.Context, mac, username string) bool {
	d := b.mutate(ctx, "add", mac)
	if d.Accepted {
		b.logger.Info("MAC authorized",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
			zap.String("username", username),
		)
	}
	return d.Accepted
}

// Revoke deletes the MAC from the allowed set.
func (b *PacketFilter) Revoke(ctx context.Context, mac string) bool {
	d := b.mutate(ctx, "delete", mac)
	if d.Accepted {
		b.logger.Info("MAC revoked",
			zap.String("backend", b.Name()),
			zap.String("mac", mac),
		)
	}
	return d.Accepted
}

func (b *PacketFilter) mutate(ctx context.Context, verb, mac string) Decision {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	args := []string{verb, "element", b.cfg.Table, b.cfg.Chain, b.cfg.Set, "{", mac, "}"}
	_, stderr, err := b.run(ctx, b.cfg.NFTPath, args...)
	if err != nil {
		reason := ReasonRemoteRejected
		if ctx.Err() == context.DeadlineExceeded {
			reason = ReasonTimeout
		}
		b.logger.Error("Packet filter command failed",
			zap.String("backend", b.Name()),
			zap.String("verb", verb),
			zap.String("mac", mac),
			zap.String("reason", string(reason)),
			zap.String("stderr", stderr),
			zap.Error(err),
		)
		return Decision{Accepted: false, Reason: reason}
	}

	return Decision{Accepted: true, Reason: ReasonOK}
}

// runCommand executes a command capturing both output streams.
func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
