package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/trigger"
)

// Command names accepted by Dispatch.
const (
	CmdNick            = "nick"
	CmdEightBall       = "8ball"
	CmdReputation      = "reputation"
	CmdTriggersList    = "triggers.list"
	CmdTriggersAdd     = "triggers.add"
	CmdTriggersSet     = "triggers.configure"
	CmdTriggersEnable  = "triggers.enable"
	CmdTriggersDelete  = "triggers.delete"
	CmdResetChat       = "reset_chat"
	CmdResetUser       = "reset_user"
	CmdExport          = "export"
	CmdImport          = "import"
	CmdDiagnostics     = "diagnostics"
	CmdProposals       = "proposals"
	CmdProposalClose   = "proposal.close"
	CmdProposalResolve = "proposal.resolve"
	CmdChatsAllow      = "chats.allow"
	CmdChatsDeny       = "chats.deny"
	CmdChatsList       = "chats.list"
	CmdSave            = "save"
)

// Command is one bot command as delivered by a transport. Which of the
// optional fields are read depends on Name.
type Command struct {
	Name     string          `json:"command"`
	ChatID   core.ChatID     `json:"chat_id"`
	ChatType core.ChatType   `json:"chat_type"`
	Actor    core.User       `json:"actor"`
	ReplyTo  *core.User      `json:"reply_to,omitempty"`
	Handle   string          `json:"handle,omitempty"`
	Target   core.UserID     `json:"target,omitempty"`
	Delta    int64           `json:"delta,omitempty"`
	Rule     *trigger.Rule   `json:"rule,omitempty"`
	Rules    []trigger.Rule  `json:"rules,omitempty"`
	ID       string          `json:"id,omitempty"`
	Enabled  bool            `json:"enabled,omitempty"`
	All      bool            `json:"all,omitempty"`
	Yes      int             `json:"yes,omitempty"`
	No       int             `json:"no,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// EightBallAnswer is the dispatch result of CmdEightBall.
type EightBallAnswer struct {
	Answer   string               `json:"answer"`
	Unlocked []achievement.Unlock `json:"unlocked,omitempty"`
}

// Dispatch runs cmd against the matching command method. The result is
// JSON-encodable; commands without a result return nil.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) (any, error) {
	actor := cmd.Actor.ID
	if actor == 0 {
		return nil, fmt.Errorf("%w: actor.id is required", core.ErrBadCommand)
	}
	chat, typ := cmd.ChatID, cmd.ChatType
	if typ == "" {
		typ = core.ChatSupergroup
	}

	switch cmd.Name {
	case CmdNick:
		return e.Nick(ctx, NickRequest{ChatID: chat, ChatType: typ, Initiator: cmd.Actor, ReplyTo: cmd.ReplyTo, Handle: cmd.Handle})
	case CmdEightBall:
		answer, unlocked, err := e.EightBall(ctx, chat, typ, cmd.Actor)
		if err != nil {
			return nil, err
		}
		return EightBallAnswer{Answer: answer, Unlocked: unlocked}, nil
	case CmdReputation:
		target, err := e.commandTarget(cmd)
		if err != nil {
			return nil, err
		}
		return e.GiveReputation(ctx, chat, typ, cmd.Actor, target, cmd.Delta)
	case CmdTriggersList:
		return e.ListTriggers(ctx, actor, chat, typ)
	case CmdTriggersAdd:
		if cmd.Rule == nil {
			return nil, fmt.Errorf("%w: rule is required", core.ErrBadCommand)
		}
		return e.AddTrigger(ctx, actor, chat, typ, *cmd.Rule)
	case CmdTriggersSet:
		return e.ConfigureTriggers(ctx, actor, chat, typ, cmd.Rules)
	case CmdTriggersEnable:
		return nil, e.SetTriggerEnabled(ctx, actor, chat, typ, cmd.ID, cmd.Enabled)
	case CmdTriggersDelete:
		return nil, e.DeleteTrigger(ctx, actor, chat, typ, cmd.ID)
	case CmdResetChat:
		return nil, e.ResetChat(ctx, actor, chat, typ)
	case CmdResetUser:
		target, err := e.commandTarget(cmd)
		if err != nil {
			return nil, err
		}
		return nil, e.ResetUser(ctx, actor, chat, typ, target)
	case CmdExport:
		data, err := e.Export(ctx, actor, chat, typ, cmd.All)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	case CmdImport:
		if len(cmd.Snapshot) == 0 {
			return nil, fmt.Errorf("%w: snapshot is required", core.ErrBadCommand)
		}
		return e.Import(ctx, actor, chat, typ, cmd.Snapshot)
	case CmdDiagnostics:
		return e.Diagnostics(ctx, actor, chat, typ)
	case CmdProposals:
		if err := e.admit(chat, typ); err != nil {
			return nil, err
		}
		return e.Proposals(chat), nil
	case CmdProposalClose:
		return e.CloseChatProposal(ctx, actor, chat, typ, cmd.Yes, cmd.No)
	case CmdProposalResolve:
		return e.resolveAs(ctx, actor, cmd.ID, cmd.Yes, cmd.No)
	case CmdChatsAllow, CmdChatsDeny:
		if chat == 0 {
			return nil, fmt.Errorf("%w: chat_id is required", core.ErrBadCommand)
		}
		if cmd.Name == CmdChatsAllow {
			return nil, e.AllowChat(actor, chat)
		}
		return nil, e.DenyChat(actor, chat)
	case CmdChatsList:
		return e.ListChats(actor)
	case CmdSave:
		return nil, e.SaveNow(ctx, actor)
	case "":
		return nil, fmt.Errorf("%w: command is required", core.ErrBadCommand)
	default:
		return nil, fmt.Errorf("command %q: %w", cmd.Name, core.ErrNotFound)
	}
}

// commandTarget picks the reply target, then the handle, then the explicit id.
func (e *Engine) commandTarget(cmd Command) (core.UserID, error) {
	if cmd.ReplyTo != nil && cmd.ReplyTo.ID != 0 {
		e.observe(*cmd.ReplyTo)
		return cmd.ReplyTo.ID, nil
	}
	if cmd.Handle != "" {
		id, ok := e.Directory.Resolve(cmd.Handle)
		if !ok {
			return 0, fmt.Errorf("unknown handle %s: %w", cmd.Handle, core.ErrAmbiguousTarget)
		}
		return id, nil
	}
	if cmd.Target == 0 {
		return 0, core.ErrAmbiguousTarget
	}
	return cmd.Target, nil
}

// resolveAs closes a proposal on behalf of the operator or an administrator
// of the proposal's chat.
func (e *Engine) resolveAs(ctx context.Context, actor core.UserID, id string, yes, no int) (ProposalResult, error) {
	e.mu.Lock()
	p, ok := e.proposals[id]
	var chat core.ChatID
	if ok {
		chat = p.ChatID
	}
	e.mu.Unlock()
	if !ok {
		return ProposalResult{}, fmt.Errorf("proposal %s: %w", id, core.ErrNotFound)
	}
	if err := e.requireAdmin(ctx, chat, actor); err != nil {
		return ProposalResult{}, err
	}
	return e.ResolveProposal(id, yes, no)
}
