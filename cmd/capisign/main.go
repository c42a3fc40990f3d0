// Command capisign signs an API call and either prints the signed request or
// sends it and prints the JSON response.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi"
	"github.com/qcloud-go/capi/internal/config"
	"github.com/qcloud-go/capi/internal/logging"
	"github.com/qcloud-go/capi/params"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "capisign: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	service    string
	action     string
	pairs      []string
	jsonParams string
	method     string
	signMethod string
	region     string
	baseURL    string
	logLevel   string
	dryRun     bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet("capisign", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to config file")
	fs.StringVarP(&o.service, "service", "s", "", "Service prefix of the host, e.g. cvm")
	fs.StringVarP(&o.action, "action", "a", "", "Action parameter")
	fs.StringArrayVarP(&o.pairs, "param", "p", nil, "Parameter as key=value; dotted keys nest (Filters.0.Name=zone)")
	fs.StringVar(&o.jsonParams, "json", "", "Parameters as a JSON object")
	fs.StringVar(&o.method, "method", "", "HTTP method (GET or POST)")
	fs.StringVar(&o.signMethod, "sign-method", "", "HmacSHA1, HmacSHA256 or TC2-HmacSHA256")
	fs.StringVarP(&o.region, "region", "r", "", "Region parameter")
	fs.StringVar(&o.baseURL, "base-url", "", "Send to this scheme://host instead of the signed host")
	fs.StringVarP(&o.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Print the signed request instead of sending it")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return &o, fs, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, fs, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if fs.Changed("service") {
		cfg.API.ServiceType = o.service
	}
	if fs.Changed("method") {
		cfg.API.Method = o.method
	}
	if fs.Changed("sign-method") {
		cfg.API.SignatureMethod = o.signMethod
	}
	if fs.Changed("region") {
		cfg.API.Region = o.region
	}
	if fs.Changed("base-url") {
		cfg.API.BaseURL = o.baseURL
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := buildParams(o.jsonParams, o.pairs)
	if err != nil {
		return err
	}
	if o.action != "" {
		p.SetString(capi.ParamAction, o.action)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	if o.dryRun {
		return printSigned(stdout, client, cfg.API.Method, p)
	}

	resp, err := client.Request(ctx, p)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func newClient(cfg *config.Config, logger *zap.Logger) (*capi.Client, error) {
	alg, err := capi.ParseSignatureMethod(cfg.API.SignatureMethod)
	if err != nil {
		return nil, err
	}

	opts := []capi.Option{
		capi.WithCredential(cfg.Credential.SecretID, cfg.Credential.SecretKey),
		capi.WithRegion(cfg.API.Region),
		capi.WithServiceType(cfg.API.ServiceType),
		capi.WithBaseHost(cfg.API.BaseHost),
		capi.WithPath(cfg.API.Path),
		capi.WithMethod(cfg.API.Method),
		capi.WithProtocol(cfg.API.Protocol),
		capi.WithSignatureMethod(alg),
		capi.WithBaseURL(cfg.API.BaseURL),
		capi.WithTimeout(cfg.API.Timeout),
		capi.WithMaxRetries(cfg.API.MaxRetries),
		capi.WithLogger(logger),
	}
	// The digest variant is selected by the SignatureMethod parameter itself.
	if strings.EqualFold(cfg.API.SignatureMethod, capi.TC2HmacSHA256) {
		opts = append(opts, capi.WithDefaults(
			params.NewMap().SetString(capi.ParamSignatureMethod, capi.TC2HmacSHA256)))
	}
	return capi.NewClient(opts...)
}

// buildParams merges a JSON object with key=value pairs; pairs win.
func buildParams(jsonParams string, pairs []string) (*params.Map, error) {
	base := params.NewMap()
	if jsonParams != "" {
		dec := json.NewDecoder(strings.NewReader(jsonParams))
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing --json: %w", err)
		}
		v, err := params.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing --json: %w", err)
		}
		base = v.(*params.Map)
	}

	flat := params.Flat{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		flat[k] = v
	}
	return params.Merge(base, params.Unflatten(flat, params.Dot)), nil
}

func printSigned(w io.Writer, client *capi.Client, method string, p *params.Map) error {
	if strings.EqualFold(method, "GET") {
		u, err := client.SignedURL(p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, "GET "+u)
		return err
	}
	body, err := client.GenerateQueryString(p)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n\n%s\n", strings.ToUpper(method), client.GenerateURL(), body)
	return err
}
