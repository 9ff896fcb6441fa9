package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/inboxkit/syncd/internal/account"
)

// searchPageSize bounds one Query page while collecting search matches.
const searchPageSize = 100

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// VectorSearch ranks message IDs for a free-text query, newest first.
type VectorSearch interface {
	Search(ctx context.Context, userID, query string, limit int) ([]string, error)
}

// DynamoIndex implements EmailIndex on a single DynamoDB table with
// pk=USER#<userId>, sk=MSG#<id>, and an lsi1 sorted by receive time.
type DynamoIndex struct {
	client    DynamoDBClient
	tableName string
	vector    VectorSearch
}

// NewDynamoIndex creates a DynamoIndex.
func NewDynamoIndex(client DynamoDBClient, tableName string) *DynamoIndex {
	return &DynamoIndex{
		client:    client,
		tableName: tableName,
	}
}

// UseVectorSearch routes non-empty Search queries through semantic ranking.
// The substring scan remains the fallback when the ranker fails.
func (d *DynamoIndex) UseVectorSearch(vs VectorSearch) {
	d.vector = vs
}

// Exists reports whether the message id is already indexed for the user.
func (d *DynamoIndex) Exists(ctx context.Context, userID, id string) (bool, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: userPK(userID)},
			AttrSK: &types.AttributeValueMemberS{Value: messageSK(id)},
		},
		ProjectionExpression: aws.String(AttrPK),
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return output.Item != nil, nil
}

// Insert stores a new message, refusing to overwrite an existing id.
func (d *DynamoIndex) Insert(ctx context.Context, msg *account.StoredMessage) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                marshalMessageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Update applies a partial patch to an existing message.
func (d *DynamoIndex) Update(ctx context.Context, userID, id string, patch Patch) error {
	if patch.IsZero() {
		return nil
	}

	updateExpr := "SET updatedAt = :updatedAt"
	exprAttrValues := map[string]types.AttributeValue{
		":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
	}

	if patch.IsRead != nil {
		updateExpr += ", isRead = :isRead"
		exprAttrValues[":isRead"] = &types.AttributeValueMemberBOOL{Value: *patch.IsRead}
	}
	if patch.IsStarred != nil {
		updateExpr += ", isStarred = :isStarred"
		exprAttrValues[":isStarred"] = &types.AttributeValueMemberBOOL{Value: *patch.IsStarred}
	}
	if patch.Category != nil {
		updateExpr += ", category = :category"
		exprAttrValues[":category"] = &types.AttributeValueMemberS{Value: string(*patch.Category)}
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: userPK(userID)},
			AttrSK: &types.AttributeValueMemberS{Value: messageSK(id)},
		},
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeValues: exprAttrValues,
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Get retrieves one message by user and id.
func (d *DynamoIndex) Get(ctx context.Context, userID, id string) (*account.StoredMessage, error) {
	output, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: userPK(userID)},
			AttrSK: &types.AttributeValueMemberS{Value: messageSK(id)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	if output.Item == nil {
		return nil, ErrNotFound
	}

	return unmarshalMessageItem(output.Item), nil
}

// Search pages through the user's messages newest first, keeping those
// whose subject or body contains the query, until one result page is full.
func (d *DynamoIndex) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	if d.vector != nil && q.Query != "" {
		result, err := d.vectorSearch(ctx, q, limit)
		if err == nil {
			return result, nil
		}
		// Fall through to the substring scan.
	}

	needle := strings.ToLower(q.Query)
	want := q.Position + limit

	matches := make([]account.StoredMessage, 0, want)
	var startKey map[string]types.AttributeValue
	for {
		output, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			IndexName:              aws.String(LSI1Name),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(lsi1sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: userPK(q.UserID)},
				":prefix": &types.AttributeValueMemberS{Value: PrefixRcvd},
			},
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(searchPageSize),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}

		for _, item := range output.Items {
			msg := unmarshalMessageItem(item)
			if !matchesQuery(msg, needle) {
				continue
			}
			matches = append(matches, *msg)
			if len(matches) >= want {
				break
			}
		}

		if len(matches) >= want || output.LastEvaluatedKey == nil {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	startIdx := q.Position
	if startIdx > len(matches) {
		startIdx = len(matches)
	}
	endIdx := startIdx + limit
	if endIdx > len(matches) {
		endIdx = len(matches)
	}

	return &SearchResult{
		Messages: matches[startIdx:endIdx],
		Position: q.Position,
	}, nil
}

// vectorSearch resolves the query through the semantic ranker and loads
// the surviving page of messages. IDs gone from the table are skipped.
func (d *DynamoIndex) vectorSearch(ctx context.Context, q SearchQuery, limit int) (*SearchResult, error) {
	ids, err := d.vector.Search(ctx, q.UserID, q.Query, q.Position+limit)
	if err != nil {
		return nil, err
	}

	startIdx := q.Position
	if startIdx > len(ids) {
		startIdx = len(ids)
	}
	endIdx := startIdx + limit
	if endIdx > len(ids) {
		endIdx = len(ids)
	}

	messages := make([]account.StoredMessage, 0, endIdx-startIdx)
	for _, id := range ids[startIdx:endIdx] {
		msg, err := d.Get(ctx, q.UserID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return &SearchResult{
		Messages: messages,
		Position: q.Position,
	}, nil
}

// matchesQuery reports whether the message's subject or body contains the
// lowercased needle. An empty needle matches.
func matchesQuery(msg *account.StoredMessage, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(msg.Subject), needle) ||
		strings.Contains(strings.ToLower(msg.Body), needle)
}

// marshalMessageItem converts a StoredMessage to DynamoDB attribute values.
func marshalMessageItem(msg *account.StoredMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		AttrPK:        &types.AttributeValueMemberS{Value: userPK(msg.UserID)},
		AttrSK:        &types.AttributeValueMemberS{Value: messageSK(msg.ID)},
		AttrLSI1SK:    &types.AttributeValueMemberS{Value: receivedSK(msg.Date, msg.ID)},
		AttrID:        &types.AttributeValueMemberS{Value: msg.ID},
		AttrUserID:    &types.AttributeValueMemberS{Value: msg.UserID},
		AttrEmail:     &types.AttributeValueMemberS{Value: msg.Email},
		AttrFolder:    &types.AttributeValueMemberS{Value: msg.Folder},
		AttrUID:       &types.AttributeValueMemberN{Value: strconv.FormatUint(msg.UID, 10)},
		AttrSubject:   &types.AttributeValueMemberS{Value: msg.Subject},
		AttrFrom:      &types.AttributeValueMemberS{Value: msg.From},
		AttrDate:      &types.AttributeValueMemberS{Value: msg.Date.UTC().Format(time.RFC3339)},
		AttrBody:      &types.AttributeValueMemberS{Value: msg.Body},
		AttrIsRead:    &types.AttributeValueMemberBOOL{Value: msg.IsRead},
		AttrIsStarred: &types.AttributeValueMemberBOOL{Value: msg.IsStarred},
		AttrCategory:  &types.AttributeValueMemberS{Value: string(msg.Category)},
		AttrCreatedAt: &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339)},
		AttrUpdatedAt: &types.AttributeValueMemberS{Value: msg.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if len(msg.To) > 0 {
		item[AttrTo] = marshalStringList(msg.To)
	}

	return item
}

// unmarshalMessageItem converts DynamoDB attribute values to a StoredMessage.
func unmarshalMessageItem(item map[string]types.AttributeValue) *account.StoredMessage {
	msg := &account.StoredMessage{}

	if v, ok := item[AttrID].(*types.AttributeValueMemberS); ok {
		msg.ID = v.Value
	}
	if v, ok := item[AttrUserID].(*types.AttributeValueMemberS); ok {
		msg.UserID = v.Value
	}
	if v, ok := item[AttrEmail].(*types.AttributeValueMemberS); ok {
		msg.Email = v.Value
	}
	if v, ok := item[AttrFolder].(*types.AttributeValueMemberS); ok {
		msg.Folder = v.Value
	}
	if v, ok := item[AttrUID].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseUint(v.Value, 10, 64); err == nil {
			msg.UID = n
		}
	}
	if v, ok := item[AttrSubject].(*types.AttributeValueMemberS); ok {
		msg.Subject = v.Value
	}
	if v, ok := item[AttrFrom].(*types.AttributeValueMemberS); ok {
		msg.From = v.Value
	}
	if v, ok := item[AttrTo].(*types.AttributeValueMemberL); ok {
		msg.To = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrDate].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			msg.Date = t
		}
	}
	if v, ok := item[AttrBody].(*types.AttributeValueMemberS); ok {
		msg.Body = v.Value
	}
	if v, ok := item[AttrIsRead].(*types.AttributeValueMemberBOOL); ok {
		msg.IsRead = v.Value
	}
	if v, ok := item[AttrIsStarred].(*types.AttributeValueMemberBOOL); ok {
		msg.IsStarred = v.Value
	}
	if v, ok := item[AttrCategory].(*types.AttributeValueMemberS); ok {
		msg.Category = account.Category(v.Value)
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			msg.CreatedAt = t
		}
	}
	if v, ok := item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			msg.UpdatedAt = t
		}
	}

	return msg
}

// marshalStringList converts a slice of strings to a DynamoDB list attribute.
func marshalStringList(strs []string) types.AttributeValue {
	list := make([]types.AttributeValue, len(strs))
	for i, s := range strs {
		list[i] = &types.AttributeValueMemberS{Value: s}
	}
	return &types.AttributeValueMemberL{Value: list}
}

// unmarshalStringList converts a DynamoDB list attribute to a slice of strings.
func unmarshalStringList(list []types.AttributeValue) []string {
	strs := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(*types.AttributeValueMemberS); ok {
			strs = append(strs, s.Value)
		}
	}
	return strs
}
