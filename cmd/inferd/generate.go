package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"inferd/pkg/types"
)

func newGenerateCmd(a *app) *cobra.Command {
	var req types.GenerateRequest
	var temperature, topP float32
	var stop string
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Short:   "Run one generation locally; reads the prompt from stdin when no argument is given",
		Example: "  inferd generate --session notes \"Summarize: ...\"\n  echo hi | inferd generate --stream",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Prompt = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.Prompt = strings.TrimRight(string(b), "\n")
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("top-p") {
				req.TopP = &topP
			}
			if cmd.Flags().Changed("stop") {
				req.Stop = splitCSV(stop)
				if req.Stop == nil {
					req.Stop = []string{}
				}
			}

			svc, err := a.newService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			if req.Stream {
				var last types.StreamChunk
				err := svc.Stream(cmd.Context(), req, func(c types.StreamChunk) error {
					last = c
					_, werr := io.WriteString(out, c.Text)
					return werr
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintf(cmd.ErrOrStderr(), "session=%s tokens=%d finish=%q\n", last.SessionID, last.TokenCount, last.FinishReason)
				return nil
			}
			resp, err := svc.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, resp.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "session=%s prompt_tokens=%d tokens=%d ms=%d finish=%q\n",
				resp.SessionID, resp.PromptTokens, resp.TokensGenerated, resp.GenerationMS, resp.FinishReason)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.SessionID, "session", "", "Session id; reuses and updates its saved KV cache")
	f.BoolVar(&req.Stream, "stream", false, "Print tokens as they are generated")
	f.IntVar(&req.MaxTokens, "max-tokens", 0, "Maximum tokens to generate (0 uses the configured default)")
	f.Float32Var(&temperature, "temperature", 0, "Sampling temperature")
	f.Float32Var(&topP, "top-p", 0, "Nucleus sampling probability")
	f.StringVar(&stop, "stop", "", "Comma separated stop sequences; empty disables the defaults")
	f.BoolVar(&req.Greedy, "greedy", false, "Always pick the most likely token")
	return cmd
}
