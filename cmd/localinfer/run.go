package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"

	"localinfer/internal/llm"
	"localinfer/internal/registry"
)

func newRunCmd(o *rootOptions) *cobra.Command {
	var (
		system      string
		maxTokens   int
		temperature float64
		topP        float64
	)
	cmd := &cobra.Command{
		Use:     "run <model> [prompt...]",
		Short:   "Load a model and stream a reply to a prompt",
		Long:    "Load a model, pulling it first if it is a hub id that is not cached, and stream one reply. The prompt is read from stdin when no prompt arguments are given.",
		Example: "  localinfer run mlx-community/Qwen2.5-0.5B-Instruct-4bit \"Write a haiku about Go\"\n  echo \"Summarize this\" | localinfer run qwen",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args[1:], " "))
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(string(b))
			}
			if prompt == "" {
				return errors.New("prompt is empty")
			}

			svc, _, log, err := o.build(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer svc.Close(context.WithoutCancel(ctx))

			if err := svc.Initialize(ctx); err != nil {
				return err
			}
			if ok, reason := svc.Available(); !ok {
				return fmt.Errorf("local inference unavailable: %s", reason)
			}

			id := args[0]
			if _, err := svc.Registry().Get(id); registry.IsNotFound(err) && strings.Contains(id, "/") {
				pp := newProgressPrinter(cmd.ErrOrStderr())
				_, err := svc.PullModel(ctx, id, pp.update)
				pp.finish()
				if err != nil {
					return err
				}
			}
			info, err := svc.LoadModel(ctx, id)
			if err != nil {
				return err
			}
			lm, err := svc.GetLanguageModel(info.ID)
			if err != nil {
				return err
			}

			var messages []llms.MessageContent
			if system != "" {
				messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
			}
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

			out := cmd.OutOrStdout()
			model := &llm.LangchainModel{Model: lm}
			resp, err := model.GenerateContent(ctx, messages,
				llms.WithMaxTokens(maxTokens),
				llms.WithTemperature(temperature),
				llms.WithTopP(topP),
				llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
					_, err := out.Write(chunk)
					return err
				}),
			)
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			if len(resp.Choices) > 0 {
				c := resp.Choices[0]
				log.Debug().Str("model", info.ID).Str("finish_reason", c.StopReason).
					Any("completion_tokens", c.GenerationInfo["CompletionTokens"]).Msg("generation finished")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&system, "system", "", "System prompt")
	f.IntVar(&maxTokens, "max-tokens", 512, "Maximum number of tokens to generate")
	f.Float64Var(&temperature, "temperature", 0.7, "Sampling temperature (0 keeps the backend default)")
	f.Float64Var(&topP, "top-p", 0.9, "Nucleus sampling probability (0 keeps the backend default)")
	return cmd
}
