package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/trigger"
)

func TestDispatchRunsCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(t, alice, "hi")
	h.say(t, bob, "hello")

	res, err := h.Dispatch(ctx, Command{Name: CmdTriggersAdd, ChatID: chat, Actor: boss, Rule: &trigger.Rule{ID: "ping", Pattern: "ping", Replies: []string{"pong"}, Enabled: true}})
	if err != nil {
		t.Fatalf("triggers.add: %v", err)
	}
	if r, ok := res.(trigger.Rule); !ok || r.ID != "ping" {
		t.Fatalf("triggers.add result = %#v", res)
	}
	if out := h.say(t, alice, "ping"); out.Reply != "pong" {
		t.Fatalf("added trigger did not fire: %+v", out)
	}

	if _, err := h.Dispatch(ctx, Command{Name: CmdTriggersEnable, ChatID: chat, Actor: boss, ID: "ping", Enabled: false}); err != nil {
		t.Fatalf("triggers.enable: %v", err)
	}
	res, err = h.Dispatch(ctx, Command{Name: CmdTriggersList, ChatID: chat, Actor: boss})
	if err != nil {
		t.Fatalf("triggers.list: %v", err)
	}
	if rules := res.([]trigger.Rule); len(rules) != 1 || rules[0].Enabled {
		t.Fatalf("rules = %+v", rules)
	}

	res, err = h.Dispatch(ctx, Command{Name: CmdReputation, ChatID: chat, Actor: alice, Handle: "@bob", Delta: 1})
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if got := h.user(bob.ID).Reputation.Received; got != 1 {
		t.Fatalf("bob received = %d, want 1 (%+v)", got, res)
	}

	res, err = h.Dispatch(ctx, Command{Name: CmdNick, ChatID: chat, Actor: alice})
	if err != nil {
		t.Fatalf("nick: %v", err)
	}
	if nick := res.(NickResult).Nickname; nick == "" || h.user(alice.ID).Nickname != nick {
		t.Fatalf("nick result %+v not applied", res)
	}

	res, err = h.Dispatch(ctx, Command{Name: CmdExport, ChatID: chat, Actor: boss})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !json.Valid(res.(json.RawMessage)) {
		t.Fatalf("export is not JSON")
	}

	if _, err := h.Dispatch(ctx, Command{Name: CmdResetUser, ChatID: chat, Actor: boss, Target: alice.ID}); err != nil {
		t.Fatalf("reset_user: %v", err)
	}
	if h.user(alice.ID).Nickname != "" {
		t.Fatalf("reset_user kept the nickname")
	}

	res, err = h.Dispatch(ctx, Command{Name: CmdChatsList, Actor: core.User{ID: operator}})
	if err != nil {
		t.Fatalf("chats.list: %v", err)
	}
	if diff := cmp.Diff([]core.ChatID{chat}, res); diff != "" {
		t.Fatalf("chats.list (-want +got):\n%s", diff)
	}
}

func TestDispatchRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  Command
		want error
	}{
		{"no actor", Command{Name: CmdEightBall, ChatID: chat}, core.ErrBadCommand},
		{"no command", Command{ChatID: chat, Actor: alice}, core.ErrBadCommand},
		{"unknown command", Command{Name: "fly", ChatID: chat, Actor: alice}, core.ErrNotFound},
		{"add without rule", Command{Name: CmdTriggersAdd, ChatID: chat, Actor: boss}, core.ErrBadCommand},
		{"non-admin reset", Command{Name: CmdResetChat, ChatID: chat, Actor: alice}, core.ErrUnauthorized},
		{"unserved chat", Command{Name: CmdDiagnostics, ChatID: -555, ChatType: core.ChatGroup, Actor: boss}, core.ErrUnauthorized},
		{"reputation without target", Command{Name: CmdReputation, ChatID: chat, Actor: alice, Delta: 1}, core.ErrAmbiguousTarget},
		{"admin allows chat", Command{Name: CmdChatsAllow, ChatID: -555, Actor: boss}, core.ErrUnauthorized},
		{"allow without chat", Command{Name: CmdChatsAllow, Actor: core.User{ID: operator}}, core.ErrBadCommand},
		{"unknown proposal", Command{Name: CmdProposalResolve, ID: "nope", Actor: boss}, core.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.Dispatch(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("Dispatch = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDispatchResolvesProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(t, alice, "hi")
	h.say(t, boss, "hi")

	res, err := h.Dispatch(ctx, Command{Name: CmdNick, ChatID: chat, Actor: alice, ReplyTo: &boss})
	if err != nil {
		t.Fatalf("nick: %v", err)
	}
	p := res.(NickResult).Proposal
	if p == nil {
		t.Fatalf("renaming an admin should open a proposal: %+v", res)
	}

	if _, err := h.Dispatch(ctx, Command{Name: CmdProposalResolve, ID: p.ID, Actor: alice, Yes: 3}); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("non-admin resolve: %v", err)
	}
	res, err = h.Dispatch(ctx, Command{Name: CmdProposalResolve, ID: p.ID, Actor: boss, Yes: 3, No: 1})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.(ProposalResult).Passed || h.user(boss.ID).Nickname != p.Nickname {
		t.Fatalf("proposal not applied: %+v", res)
	}
}
