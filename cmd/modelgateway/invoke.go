package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/pipeline"
	"github.com/xsigma/platform/gateway/internal/rpc"
)

var (
	invokeParams  []string
	invokeRemote  string
	invokeTimeout time.Duration
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		return printCatalogue(cmd.OutOrStdout(), a.registry)
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <model>",
	Short: "Run one model request and print the result",
	Long: `Run one model request through the same pipeline the servers use.

Parameters are passed as --param name=value and validated exactly as query
string values would be. With --remote the request goes to a running gateway
over gRPC instead of spawning the worker locally.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringArrayVarP(&invokeParams, "param", "p", nil, "Model parameter as name=value (repeatable)")
	invokeCmd.Flags().StringVar(&invokeRemote, "remote", "", "gRPC address of a running gateway")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 5*time.Minute, "Overall request deadline")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	raw, err := parseParams(invokeParams)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), invokeTimeout)
	defer cancel()

	var out *structpb.Struct
	if invokeRemote != "" {
		out, err = invokeGRPC(ctx, invokeRemote, args[0], raw)
	} else {
		out, err = invokeLocal(ctx, args[0], raw)
	}
	if err != nil {
		return err
	}
	return printStruct(cmd.OutOrStdout(), out)
}

func invokeLocal(ctx context.Context, model string, raw map[string]any) (*structpb.Struct, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}
	p, ok := a.registry.Lookup(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q (known: %s)", model, strings.Join(a.registry.Names(), ", "))
	}
	resp, err := a.engine.Run(ctx, p, raw)
	if err != nil {
		return nil, err
	}
	return responseStruct(resp)
}

func invokeGRPC(ctx context.Context, addr, model string, raw map[string]any) (*structpb.Struct, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return rpc.Compute(ctx, conn, model, raw)
}

// parseParams turns name=value pairs into a raw parameter map. Values stay
// strings; the validator coerces them.
func parseParams(pairs []string) (map[string]any, error) {
	raw := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q must look like name=value", pair)
		}
		raw[name] = value
	}
	return raw, nil
}

func responseStruct(resp *pipeline.Response) (*structpb.Struct, error) {
	var data any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("decode worker result: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		"status": "success",
		"data":   data,
		"metadata": map[string]any{
			"processingTimeMs": float64(resp.Duration.Milliseconds()),
			"timestamp":        resp.Timestamp.UTC().Format(time.RFC3339Nano),
			"cached":           resp.Cached,
			"model":            resp.Model,
		},
	})
}

func printStruct(w io.Writer, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printCatalogue(w io.Writer, registry *models.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tMETHODS\tROUTE\tSCRIPT\tCACHED\tPARAMETERS")
	for _, p := range registry.All() {
		names := make([]string, 0, len(p.Rules))
		for _, r := range p.Rules {
			name := r.Name
			if r.Required {
				name += "*"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			p.Name, strings.Join(p.Methods, ","), p.Route, p.Script, p.Cache, strings.Join(names, " "))
	}
	return tw.Flush()
}
