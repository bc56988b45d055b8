package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "questnet.rewards.v1.RewardsService"

// Full method names.
const (
	MethodGetAccount        = "/" + ServiceName + "/GetAccount"
	MethodConvert           = "/" + ServiceName + "/Convert"
	MethodRequestWithdrawal = "/" + ServiceName + "/RequestWithdrawal"
	MethodCreditReward      = "/" + ServiceName + "/CreditReward"
)

// RewardsServiceServer is the server API. Messages are google.protobuf.Struct
// documents so clients need no generated stubs.
type RewardsServiceServer interface {
	GetAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Convert(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RequestWithdrawal(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CreditReward(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server RewardsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		server := srv.(RewardsServiceServer)
		if interceptor == nil {
			return call(server, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// ServiceDesc describes RewardsService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RewardsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAccount",
			Handler: unaryHandler(MethodGetAccount, func(server RewardsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
				return server.GetAccount(ctx, request)
			}),
		},
		{
			MethodName: "Convert",
			Handler: unaryHandler(MethodConvert, func(server RewardsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
				return server.Convert(ctx, request)
			}),
		},
		{
			MethodName: "RequestWithdrawal",
			Handler: unaryHandler(MethodRequestWithdrawal, func(server RewardsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
				return server.RequestWithdrawal(ctx, request)
			}),
		},
		{
			MethodName: "CreditReward",
			Handler: unaryHandler(MethodCreditReward, func(server RewardsServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
				return server.CreditReward(ctx, request)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "questnet/rewards/v1/rewards.proto",
}

// RegisterRewardsServiceServer registers srv on registrar.
func RegisterRewardsServiceServer(registrar grpc.ServiceRegistrar, srv RewardsServiceServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// Client calls RewardsService over a client connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, fields map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

// GetAccount fetches the account snapshot for userID.
func (client *Client) GetAccount(ctx context.Context, userID string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, MethodGetAccount, map[string]any{fieldUserID: userID}, options...)
}

// Convert converts points into wallet balance.
func (client *Client) Convert(ctx context.Context, userID string, points int64, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, MethodConvert, map[string]any{fieldUserID: userID, fieldPoints: points}, options...)
}

// RequestWithdrawal withdraws the full wallet balance to destination ("" for the preferred method).
func (client *Client) RequestWithdrawal(ctx context.Context, userID string, destination string, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, MethodRequestWithdrawal, map[string]any{fieldUserID: userID, fieldDestination: destination}, options...)
}

// CreditReward records an external reward.
func (client *Client) CreditReward(ctx context.Context, userID string, points int64, provider string, transactionID string, metadata map[string]any, options ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldUserID:        userID,
		fieldPoints:        points,
		fieldProvider:      provider,
		fieldTransactionID: transactionID,
	}
	if metadata != nil {
		fields[fieldMetadata] = metadata
	}
	return client.invoke(ctx, MethodCreditReward, fields, options...)
}

// WaitForReady blocks until conn is ready, shut down, or ctx expires.
func WaitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
