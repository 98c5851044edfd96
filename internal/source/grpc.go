package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/flagwatch/internal/core"
)

const (
	rulesetServiceName = "flagwatch.v1.RulesetService"
	fetchRulesetMethod = "/" + rulesetServiceName + "/FetchRuleset"
	fieldVersion       = "version"
	fieldNotModified   = "not_modified"
)

type GRPCConfig struct {
	// Address is the host:port of the ruleset service.
	Address string
	// DialOpts are additional dial options. Without transport credentials
	// among them the connection is insecure.
	DialOpts []grpc.DialOption
	// Token, when set, is sent as "authorization: Bearer <Token>" metadata.
	Token string
}

// GRPCFetcher calls RulesetService/FetchRuleset. Requests and responses are
// google.protobuf.Struct messages carrying the same fields as the HTTP
// payload plus not_modified.
type GRPCFetcher struct {
	conn  *grpc.ClientConn
	token string
}

func NewGRPCFetcher(cfg GRPCConfig) (*GRPCFetcher, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("grpc fetcher: address is required")
	}

	opts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc fetcher: dial %s: %w", address, err)
	}
	return &GRPCFetcher{conn: conn, token: strings.TrimSpace(cfg.Token)}, nil
}

func (f *GRPCFetcher) Fetch(ctx context.Context, lastVersion string) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{fieldVersion: lastVersion})
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	if f.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+f.token)
	}
	resp := new(structpb.Struct)
	if err := f.conn.Invoke(ctx, fetchRulesetMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("fetch ruleset: %w", err)
	}

	if resp.GetFields()[fieldNotModified].GetBoolValue() {
		return Result{NotModified: true}, nil
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode response: %v", ErrParse, err)
	}
	payload, err := decodeJSONPayload(body)
	if err != nil {
		return Result{}, err
	}
	ruleset, err := payload.Ruleset()
	if err != nil {
		return Result{}, err
	}
	return Result{Ruleset: ruleset}, nil
}

func (f *GRPCFetcher) Close() error {
	return f.conn.Close()
}

// RulesetServer is the server side of RulesetService.
type RulesetServer interface {
	FetchRuleset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var rulesetServiceDesc = grpc.ServiceDesc{
	ServiceName: rulesetServiceName,
	HandlerType: (*RulesetServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "FetchRuleset",
			Handler:    fetchRulesetHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flagwatch/v1/ruleset.proto",
}

func RegisterRulesetServer(s grpc.ServiceRegistrar, srv RulesetServer) {
	s.RegisterService(&rulesetServiceDesc, srv)
}

func fetchRulesetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RulesetServer).FetchRuleset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fetchRulesetMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RulesetServer).FetchRuleset(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RulesetLoader returns the ruleset a RulesetServer should currently serve.
type RulesetLoader func(ctx context.Context) (core.Ruleset, error)

// NewRulesetServer serves whatever load returns, answering not_modified when
// the caller already holds the current version.
func NewRulesetServer(load RulesetLoader) RulesetServer {
	return rulesetServer{load: load}
}

type rulesetServer struct {
	load RulesetLoader
}

func (s rulesetServer) FetchRuleset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ruleset, err := s.load(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "load ruleset: %v", err)
	}

	if version := req.GetFields()[fieldVersion].GetStringValue(); version != "" && version == ruleset.Version {
		return structpb.NewStruct(map[string]any{fieldNotModified: true, fieldVersion: version})
	}

	encoded, err := json.Marshal(NewPayload(ruleset))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ruleset: %v", err)
	}
	resp := new(structpb.Struct)
	if err := protojson.Unmarshal(encoded, resp); err != nil {
		return nil, status.Errorf(codes.Internal, "encode ruleset: %v", err)
	}
	return resp, nil
}
