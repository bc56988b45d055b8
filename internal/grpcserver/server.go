package grpcserver

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldUserID        = "user_id"
	fieldPoints        = "points"
	fieldDestination   = "destination"
	fieldProvider      = "provider"
	fieldTransactionID = "transaction_id"
	fieldMetadata      = "metadata"
)

var errorStatusCodes = map[string]codes.Code{
	ledger.CodeInvalidUserID:             codes.InvalidArgument,
	ledger.CodeInvalidAmount:             codes.InvalidArgument,
	ledger.CodeInvalidTransactionID:      codes.InvalidArgument,
	ledger.CodeInvalidMetadata:           codes.InvalidArgument,
	ledger.CodeInvalidProvider:           codes.InvalidArgument,
	ledger.CodeInvalidPayoutMethod:       codes.InvalidArgument,
	ledger.CodeInvalidPayoutIdentifier:   codes.InvalidArgument,
	ledger.CodeBelowMinimum:              codes.FailedPrecondition,
	ledger.CodeInsufficientPoints:        codes.FailedPrecondition,
	ledger.CodeLevelTooLow:               codes.FailedPrecondition,
	ledger.CodeBelowWithdrawalMinimum:    codes.FailedPrecondition,
	ledger.CodePayoutMethodMissing:       codes.FailedPrecondition,
	ledger.CodePayoutDestinationUnlinked: codes.FailedPrecondition,
	ledger.CodeWithdrawalInFlight:        codes.FailedPrecondition,
	ledger.CodePayoutProviderRejected:    codes.Aborted,
	ledger.CodePayoutTimeout:             codes.DeadlineExceeded,
	ledger.CodeAccountNotFound:           codes.NotFound,
	ledger.CodeAccountExists:             codes.AlreadyExists,
	ledger.CodeDuplicateReward:           codes.AlreadyExists,
	ledger.CodeStorageUnavailable:        codes.Unavailable,
	ledger.CodeStorageFailure:            codes.Unavailable,
}

// RewardsServer exposes the rewards ledger over gRPC.
type RewardsServer struct {
	rewardsService *ledger.Service
}

// NewRewardsServer constructs a gRPC server for the ledger service.
func NewRewardsServer(rewardsService *ledger.Service) *RewardsServer {
	return &RewardsServer{rewardsService: rewardsService}
}

func (server *RewardsServer) GetAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.rewardsService.Account(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return structpb.NewStruct(server.accountFields(account))
}

func (server *RewardsServer) Convert(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawPoints, err := integerField(request, fieldPoints)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	points, err := ledger.NewPositivePoints(rawPoints)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	credit, err := server.rewardsService.EstimateConversion(points)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.rewardsService.Convert(ctx, userID, points)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return structpb.NewStruct(map[string]any{
		"credited_cents": credit.Int64(),
		"account":        server.accountFields(account),
	})
}

func (server *RewardsServer) RequestWithdrawal(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	destination := ledger.PayoutMethod(strings.TrimSpace(stringField(request, fieldDestination)))
	outcome, operationError := server.rewardsService.RequestWithdrawal(ctx, userID, destination)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	visited := make([]any, 0, len(outcome.Visited))
	for _, state := range outcome.Visited {
		visited = append(visited, state.String())
	}
	fields := map[string]any{
		"state":   outcome.State.String(),
		"visited": visited,
		"account": server.accountFields(outcome.Account),
	}
	if outcome.Failure != nil {
		fields["failure_code"] = ledger.ErrorCode(outcome.Failure)
	}
	if outcome.Withdrawal != nil {
		fields["withdrawal_id"] = outcome.Withdrawal.WithdrawalID
		fields["amount_cents"] = outcome.Withdrawal.Amount.Int64()
		fields["destination"] = outcome.Withdrawal.Destination.String()
		fields["status"] = outcome.Withdrawal.Status.String()
	}
	return structpb.NewStruct(fields)
}

func (server *RewardsServer) CreditReward(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawPoints, err := integerField(request, fieldPoints)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	points, err := ledger.NewPositivePoints(rawPoints)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, err := ledger.NewIdempotencyKey(stringField(request, fieldTransactionID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := metadataField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.rewardsService.CreditReward(ctx, ledger.RewardCredit{
		UserID:        userID,
		Points:        points,
		Provider:      stringField(request, fieldProvider),
		TransactionID: transactionID,
		Metadata:      metadata,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return structpb.NewStruct(server.accountFields(account))
}

func (server *RewardsServer) accountFields(account ledger.Account) map[string]any {
	fields := map[string]any{
		"user_id":              account.UserID.String(),
		"points":               account.Points.Int64(),
		"wallet_balance_cents": account.WalletBalance.Int64(),
		"wallet_balance":       account.WalletBalance.String(),
		"level":                account.Level.Int(),
		"exp":                  account.Exp,
		"can_withdraw":         server.rewardsService.CanWithdraw(account),
	}
	for _, method := range []ledger.PayoutMethod{ledger.PayoutMethodYape, ledger.PayoutMethodPlin} {
		if identifier, ok := account.PayoutIdentifier(method); ok {
			fields[method.String()+"_number"] = identifier.Handle()
		}
	}
	return fields
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// integerField accepts whole JSON numbers and decimal strings.
func integerField(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ledger.ErrInvalidAmount, name)
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if math.IsNaN(number) || math.IsInf(number, 0) || number != math.Trunc(number) || math.Abs(number) >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s must be an integer", ledger.ErrInvalidAmount, name)
		}
		return int64(number), nil
	case *structpb.Value_StringValue:
		parsed, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ledger.ErrInvalidAmount, name)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ledger.ErrInvalidAmount, name)
	}
}

func metadataField(request *structpb.Struct) (ledger.MetadataJSON, error) {
	value, ok := request.GetFields()[fieldMetadata]
	if !ok {
		return ledger.NewMetadataJSON("")
	}
	if raw, isString := value.GetKind().(*structpb.Value_StringValue); isString {
		return ledger.NewMetadataJSON(raw.StringValue)
	}
	encoded, err := protojson.Marshal(value)
	if err != nil {
		return ledger.MetadataJSON{}, fmt.Errorf("%w: %w", ledger.ErrInvalidMetadataJSON, err)
	}
	return ledger.NewMetadataJSON(string(encoded))
}

func mapToGRPCError(source error) error {
	code := ledger.ErrorCode(source)
	grpcCode, known := errorStatusCodes[code]
	if !known {
		return status.Error(codes.Internal, source.Error())
	}
	return status.Error(grpcCode, code)
}
