package grounded

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/marketscope/core/pkg/logger"
)

var (
	promptRunInfo = &einocb.RunInfo{Name: "grounded_prompt", Type: "GoTemplate", Component: components.ComponentOfPrompt}
	modelRunInfo  = &einocb.RunInfo{Name: "grounded_answer", Type: "ChatModel", Component: components.ComponentOfChatModel}
)

// newObserver logs prompt renders and model calls made for one chat turn.
func newObserver(runID string) einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		Prompt(newPromptHandler(runID)).
		ChatModel(newModelHandler(runID)).
		Handler()
}

func newPromptHandler(runID string) *callbackHelper.PromptCallbackHandler {
	return &callbackHelper.PromptCallbackHandler{
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *prompt.CallbackOutput) context.Context {
			if output != nil && len(output.Result) > 0 && output.Result[0] != nil {
				logx.Debug().
					Str("run_id", runID).
					Str("component", info.Name).
					Int("chars", len(output.Result[0].Content)).
					Msg("grounded prompt rendered")
			}
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Err(err).Str("run_id", runID).Str("component", info.Name).Msg("grounded prompt failed")
			return ctx
		},
	}
}

func newModelHandler(runID string) *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			if input != nil {
				logx.Debug().
					Str("run_id", runID).
					Str("component", info.Name).
					Int("messages", len(input.Messages)).
					Str("user", lastUserContent(input.Messages)).
					Msg("grounded model call")
			}
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Err(err).Str("run_id", runID).Str("component", info.Name).Msg("grounded model call failed")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
