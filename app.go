package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marketscope/core/internal/agent/api"
	"github.com/marketscope/core/internal/agent/chat"
	"github.com/marketscope/core/internal/agent/grounded"
	"github.com/marketscope/core/internal/agent/guided"
	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/agent/repo"
	"github.com/marketscope/core/internal/agent/session"
	logx "github.com/marketscope/core/pkg/logger"
)

const (
	backendRemote = "remote"
	backendLocal  = "local"
)

// app holds the wired components of one CLI invocation.
type app struct {
	client     *api.Client
	session    *session.Session
	controller *chat.Controller
	printer    *printer
	rdb        *goredis.Client
}

func newApp(ctx context.Context, cfg AppConfig, out io.Writer) (*app, error) {
	a := &app{
		client:  api.NewClient(cfg.API),
		printer: newPrinter(out),
	}

	var (
		conv  model.ConversationRepository
		cache model.QuoteCache
	)
	if cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise Redis client: %w", err)
		}
		ttl, err := time.ParseDuration(cfg.Conversation.TTL)
		if err != nil {
			rdb.Close()
			return nil, fmt.Errorf("invalid CONVERSATION_TTL %q: %w", cfg.Conversation.TTL, err)
		}
		a.rdb = rdb
		conv = repo.NewRedisConversationRepository(rdb, ttl, cfg.Conversation.MaxTurns*2)
		cache = repo.NewRedisQuoteCache(rdb, cfg.Guided.QuoteCacheTTL)
		logx.Info().Msg("Connected to Redis successfully")
	} else {
		conv = repo.NewMemoryConversationRepository(cfg.Conversation.MaxTurns * 2)
		cache = repo.NewMemoryQuoteCache(cfg.Guided.QuoteCacheTTL)
	}

	a.session = session.New(a.client, cfg.Session, cfg.Progress, session.Hooks{
		OnReset: func(model.RunToken) {
			if a.controller != nil {
				a.controller.Reset()
			}
		},
		OnCommit: func(_ model.RunToken, rs *model.ResultSet) {
			if a.controller != nil {
				a.controller.Bind(rs)
			}
		},
		OnSelection: func(sel model.SelectionSet) {
			if a.controller != nil {
				a.controller.SetSelection(sel)
			}
		},
		OnProgress: func(_ model.RunToken, st model.ProgressState) {
			a.printer.Progress(st)
		},
	})

	var backend chat.Backend = a.client
	switch strings.ToLower(cfg.Chat.Backend) {
	case backendRemote, "":
	case backendLocal:
		cm, err := grounded.NewGeminiChatModel(ctx, cfg.Grounded)
		if err != nil {
			a.Close()
			return nil, err
		}
		backend = grounded.NewBackend(cm, a.session, conv, a.client, cfg.Grounded, cfg.Conversation)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown CHAT_BACKEND %q", cfg.Chat.Backend)
	}

	flow := guided.New(a.client, cache, cfg.Guided)
	a.controller = chat.New(backend, flow, cfg.Chat, a.printer.Chat)
	return a, nil
}

func (a *app) Close() {
	a.session.Close()
	if a.rdb != nil {
		a.rdb.Close()
	}
}

// printer writes progress lines and finished chat turns. Callbacks arrive
// from several goroutines.
type printer struct {
	mu        sync.Mutex
	out       io.Writer
	stage     string
	pct       float64
	printed   map[string]bool
	lastAsked string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: map[string]bool{}}
}

func (p *printer) Progress(st model.ProgressState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.StageLabel == p.stage && st.CurrentPct < p.pct+10 && (st.CurrentPct < 100 || p.pct >= 100) {
		return
	}
	p.stage, p.pct = st.StageLabel, st.CurrentPct
	fmt.Fprintf(p.out, "[%3.0f%%] %s\n", st.CurrentPct, st.StageLabel)
}

// Chat prints turns once they can no longer change. The assistant turn of a
// response still streaming is held back; user turns were typed at the prompt.
func (p *printer) Chat(s chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(s.Turns) == 0 {
		p.printed = map[string]bool{}
		p.lastAsked = ""
		return
	}
	busy := s.State == chat.StateAwaitingResponse || s.State == chat.StateStreamingResponse
	for i, t := range s.Turns {
		if p.printed[t.ID] {
			continue
		}
		if busy && t.Role == model.RoleAssistant && i == len(s.Turns)-1 {
			break
		}
		p.printed[t.ID] = true
		if t.Role == model.RoleUser {
			continue
		}
		fmt.Fprintln(p.out, chat.RenderTurn(t))
	}
	if prompt := chat.RenderPending(s); prompt != "" && prompt != p.lastAsked {
		p.lastAsked = prompt
		fmt.Fprintf(p.out, "%s\n(/confirm or /cancel)\n", prompt)
	}
	if s.Pending == nil {
		p.lastAsked = ""
	}
	if s.Offer != nil && s.Offer.Estimate != nil && !busy {
		key := "offer:" + s.Offer.ItemID + s.Offer.Reason
		if !p.printed[key] {
			p.printed[key] = true
			fmt.Fprintln(p.out, "(/estimate to use the estimate, /retry <price> to try another price)")
		}
	}
}
