// Command raft-example runs one replica of a small replicated log
// cluster. Lines read from standard input are proposed to the cluster
// through the local replica; committed entries are printed as they
// apply.
//
// The replica state machine itself does no I/O besides its log file:
// this host owns the TCP transport, the tick clock behind the timer
// commands, and the single worker goroutine that serializes every
// input into the state machine.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	raft "github.com/rinastack/raft"
	"github.com/rinastack/raft/pkg/fileutil"
	"github.com/rinastack/raft/raftpb"
)

var elog = logging.Logger("raft-example")

func main() {
	configPath := flag.String("config", "config.yaml", "path to the cluster config")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logging.SetAllLoggers(logging.LevelInfo)
	if *verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		elog.Errorf("%v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		elog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	if err := fileutil.MkdirAll(cfg.Node.DataDir); err != nil {
		return err
	}

	sm, err := raft.NewRaftSM(raft.Config{
		ID:              cfg.Node.ID,
		Peers:           cfg.PeerIDs(),
		LogPath:         filepath.Join(cfg.Node.DataDir, cfg.Node.ID+".log"),
		LogEntrySize:    cfg.Raft.EntrySize,
		ElectionTickMin: cfg.Raft.ElectionTickMin,
		ElectionTickMax: cfg.Raft.ElectionTickMax,
		HeartbeatTicks:  cfg.Raft.HeartbeatTicks,
	})
	if err != nil {
		return err
	}
	defer sm.Close()

	tr := newTransport(cfg.Node.ID, cfg.PeerAddresses())
	if err := tr.Listen(); err != nil {
		return err
	}
	defer tr.Close()

	timers := newTimerService()
	go timers.Run(time.Duration(cfg.Raft.TickMs) * time.Millisecond)
	defer timers.Stop()

	proposeC := make(chan []byte)
	go readProposals(proposeC)

	out := &raft.Output{}
	if err := sm.Init(out); err != nil {
		return err
	}
	drain(sm, tr, timers, out)

	// the single worker: every input steps the state machine and
	// drains the bundle before the next one is taken
	for {
		select {
		case kind := <-timers.expiryC:
			err = sm.OnTimer(kind, out)

		case msg := <-tr.inC:
			switch m := msg.(type) {
			case *raftpb.RequestVote:
				err = sm.OnRequestVote(m, out)
			case *raftpb.RequestVoteResp:
				err = sm.OnRequestVoteResp(m, out)
			case *raftpb.AppendEntries:
				err = sm.OnAppendEntries(m, out)
			case *raftpb.AppendEntriesResp:
				err = sm.OnAppendEntriesResp(m, out)
			}

		case payload, ok := <-proposeC:
			if !ok {
				return nil
			}
			err = sm.Submit(payload, out)
			var nle *raft.NotLeaderError
			if errors.As(err, &nle) {
				if nle.LeaderID == "" {
					fmt.Println("no leader yet, retry later")
				} else {
					fmt.Printf("not leader, talk to %s\n", nle.LeaderID)
				}
				err = nil
			}
		}
		if err != nil {
			return err
		}
		drain(sm, tr, timers, out)
	}
}

func drain(sm *raft.RaftSM, tr *transport, timers *timerService, out *raft.Output) {
	for _, env := range out.Messages {
		tr.Send(env)
	}
	timers.Apply(out.TimerCommands)
	for _, a := range out.Applied {
		fmt.Printf("applied %d: %q\n", a.Index, trimPayload(a.Payload))
	}
	out.Reset()
}

func readProposals(proposeC chan<- []byte) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		proposeC <- []byte(scanner.Text())
	}
	close(proposeC)
}

// trimPayload strips the fixed-size padding for display.
func trimPayload(p []byte) string {
	end := len(p)
	for end > 0 && p[end-1] == 0 {
		end--
	}
	return string(p[:end])
}
