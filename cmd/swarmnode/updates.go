package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"swarmnode/internal/bus"
	"swarmnode/internal/config"
	"swarmnode/internal/handler"
	"swarmnode/internal/snode"
	"swarmnode/internal/store"
)

// swarmFile mirrors a BlockUpdate as produced by the chain poller; the
// poller process drops it into the data dir as swarms.json and sends
// SIGHUP.
type swarmFile struct {
	Height         uint64             `json:"height"`
	BlockHash      string             `json:"block_hash"`
	Hardfork       int                `json:"hardfork"`
	Swarms         []swarmFileSwarm   `json:"swarms"`
	Decommissioned []snode.NodeRecord `json:"decommissioned"`
}

type swarmFileSwarm struct {
	SwarmID uint64             `json:"swarm_id"`
	Snodes  []snode.NodeRecord `json:"snodes"`
}

// swarmUpdater feeds snapshots into the tracker and reacts to the
// derived events: on dissolution it pushes everything we hold to the
// members of our new swarm.
type swarmUpdater struct {
	cfg     config.Config
	tracker *snode.Tracker
	msgs    *store.Store
	peers   *bus.Client
	log     *zap.Logger
}

func newSwarmUpdater(cfg config.Config, tracker *snode.Tracker, msgs *store.Store,
	peers *bus.Client, log *zap.Logger) *swarmUpdater {
	return &swarmUpdater{cfg: cfg, tracker: tracker, msgs: msgs, peers: peers, log: log}
}

func (u *swarmUpdater) path() string {
	if u.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(u.cfg.DataDir, "swarms.json")
}

// start loads the snapshot file once and reloads it on SIGHUP.
func (u *swarmUpdater) start() func() {
	u.reload()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-hup:
				u.log.Info("reloading swarm snapshot")
				u.reload()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

func (u *swarmUpdater) reload() {
	path := u.path()
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			u.log.Warn("cannot read swarm snapshot", zap.Error(err))
		}
		return
	}
	var sf swarmFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		u.log.Warn("cannot parse swarm snapshot", zap.Error(err))
		return
	}

	bu := snode.BlockUpdate{
		Height:         sf.Height,
		BlockHash:      sf.BlockHash,
		HardforkVer:    sf.Hardfork,
		Decommissioned: sf.Decommissioned,
	}
	for _, s := range sf.Swarms {
		bu.Swarms = append(bu.Swarms, snode.SwarmInfo{
			SwarmID: snode.SwarmID(s.SwarmID),
			Snodes:  s.Snodes,
		})
	}

	events := u.tracker.ApplyBlockUpdate(bu)
	if events.Dissolved {
		u.pushAll(events.OurSwarmMembers)
	}
}

// pushAll sends every live message to the new swarm members after our
// old swarm dissolved.
func (u *swarmUpdater) pushAll(members []snode.NodeRecord) {
	msgs, err := u.msgs.All()
	if err != nil {
		u.log.Error("cannot read messages for swarm push", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	batch, err := handler.SerializeBatch(msgs)
	if err != nil {
		u.log.Error("cannot serialize swarm push", zap.Error(err))
		return
	}

	us := u.tracker.OurAddress()
	for _, member := range members {
		if member.Same(us) {
			continue
		}
		member := member
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), u.cfg.Limits().SessionTimeout)
			defer cancel()
			parts, err := u.peers.Request(ctx, member, bus.Message{
				Cmd:   bus.CmdPushBatch,
				Parts: [][]byte{batch},
			})
			if err != nil {
				u.log.Warn("swarm push failed",
					zap.String("peer", member.PubkeyLegacy.Hex()), zap.Error(err))
				return
			}
			if len(parts) > 0 && string(parts[0]) != "200" {
				u.log.Warn("swarm push rejected",
					zap.String("peer", member.PubkeyLegacy.Hex()),
					zap.ByteString("status", parts[0]))
			}
		}()
	}
	u.log.Info("pushed message set to new swarm", zap.Int("messages", len(msgs)), zap.Int("peers", len(members)-1))
}
