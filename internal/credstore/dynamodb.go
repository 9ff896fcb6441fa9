package credstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/singleflight"

	"github.com/inboxkit/syncd/internal/account"
)

// Key prefixes for DynamoDB keys.
const (
	PrefixUser = "USER#"
	PrefixCred = "CRED#"
)

// Attribute names for DynamoDB items.
const (
	AttrPK           = "pk"
	AttrSK           = "sk"
	AttrUserID       = "userId"
	AttrEmail        = "email"
	AttrAccessToken  = "accessToken"
	AttrRefreshToken = "refreshToken"
	AttrExpiresAt    = "expiresAt"
	AttrUpdatedAt    = "updatedAt"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Store on a DynamoDB table with pk=USER#<userId>
// and sk=CRED#<email>. Concurrent GetFresh calls for the same account
// share one refresh via singleflight.
type DynamoStore struct {
	client    DynamoDBClient
	tableName string
	refresher TokenRefresher
	flight    singleflight.Group
}

// NewDynamoStore creates a DynamoStore. refresher may be nil, in which
// case expired credentials yield ErrNotAuthorized.
func NewDynamoStore(client DynamoDBClient, tableName string, refresher TokenRefresher) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		refresher: refresher,
	}
}

// GetFresh returns a credential valid for at least FreshnessGrace,
// refreshing and persisting it first when needed.
func (s *DynamoStore) GetFresh(ctx context.Context, key account.AccountKey) (account.Credential, error) {
	cred, err := s.load(ctx, key)
	if err != nil {
		return account.Credential{}, err
	}
	if cred.Fresh(time.Now(), FreshnessGrace) {
		return cred, nil
	}

	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		// Re-read inside the flight: a concurrent caller may have
		// refreshed and persisted already.
		cred, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if cred.Fresh(time.Now(), FreshnessGrace) {
			return cred, nil
		}
		return s.refresh(ctx, key, cred)
	})
	if err != nil {
		return account.Credential{}, err
	}
	return v.(account.Credential), nil
}

// refresh exchanges the stored refresh token and persists the result.
func (s *DynamoStore) refresh(ctx context.Context, key account.AccountKey, cred account.Credential) (account.Credential, error) {
	if s.refresher == nil || cred.RefreshToken == "" {
		return account.Credential{}, fmt.Errorf("%w: credential expired and not refreshable", ErrNotAuthorized)
	}

	renewed, err := s.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return account.Credential{}, err
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = cred.RefreshToken
	}

	if err := s.Save(ctx, key, renewed); err != nil {
		return account.Credential{}, err
	}
	return renewed, nil
}

// Save stores a credential, replacing any previous one for the key.
func (s *DynamoStore) Save(ctx context.Context, key account.AccountKey, cred account.Credential) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			AttrPK:           &types.AttributeValueMemberS{Value: PrefixUser + key.UserID},
			AttrSK:           &types.AttributeValueMemberS{Value: PrefixCred + key.Email},
			AttrUserID:       &types.AttributeValueMemberS{Value: key.UserID},
			AttrEmail:        &types.AttributeValueMemberS{Value: key.Email},
			AttrAccessToken:  &types.AttributeValueMemberS{Value: cred.AccessToken},
			AttrRefreshToken: &types.AttributeValueMemberS{Value: cred.RefreshToken},
			AttrExpiresAt:    &types.AttributeValueMemberS{Value: cred.ExpiresAt.UTC().Format(time.RFC3339)},
			AttrUpdatedAt:    &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns the account keys stored for a user, ordered by email.
func (s *DynamoStore) List(ctx context.Context, userID string) ([]account.AccountKey, error) {
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: PrefixUser + userID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixCred},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]account.AccountKey, 0, len(output.Items))
	for _, item := range output.Items {
		if v, ok := item[AttrSK].(*types.AttributeValueMemberS); ok {
			email := strings.TrimPrefix(v.Value, PrefixCred)
			keys = append(keys, account.AccountKey{UserID: userID, Email: email})
		}
	}
	return keys, nil
}

// Revoke removes a credential; an empty email removes every credential
// the user has. Deleting absent credentials succeeds.
func (s *DynamoStore) Revoke(ctx context.Context, key account.AccountKey) error {
	keys := []account.AccountKey{key}
	if key.Email == "" {
		var err error
		keys, err = s.List(ctx, key.UserID)
		if err != nil {
			return err
		}
	}

	for _, k := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: PrefixUser + k.UserID},
				AttrSK: &types.AttributeValueMemberS{Value: PrefixCred + k.Email},
			},
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// load reads the stored credential for a key.
func (s *DynamoStore) load(ctx context.Context, key account.AccountKey) (account.Credential, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: PrefixUser + key.UserID},
			AttrSK: &types.AttributeValueMemberS{Value: PrefixCred + key.Email},
		},
	})
	if err != nil {
		return account.Credential{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if output.Item == nil {
		return account.Credential{}, fmt.Errorf("%w: no credential for %s", ErrNotAuthorized, key)
	}

	var cred account.Credential
	if v, ok := output.Item[AttrAccessToken].(*types.AttributeValueMemberS); ok {
		cred.AccessToken = v.Value
	}
	if v, ok := output.Item[AttrRefreshToken].(*types.AttributeValueMemberS); ok {
		cred.RefreshToken = v.Value
	}
	if v, ok := output.Item[AttrExpiresAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			cred.ExpiresAt = t
		}
	}
	return cred, nil
}
