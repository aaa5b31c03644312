package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"collab-service/domain"
)

const edmInt64 = "Edm.Int64"

// updateAttempts bounds the read-merge-write loop when the entity moves
// underneath us.
const updateAttempts = 3

// Tasks persists board tasks in one Azure Storage table, partitioned by
// team with the task id as row key.
type Tasks struct {
	table *aztables.Client
	now   func() time.Time
}

// New creates a Tasks store from the given connection string.
func New(connStr, table string) (*Tasks, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tasks{table: svc.NewClient(table), now: time.Now}, nil
}

type taskEntity struct {
	ETag          string  `json:"odata.etag,omitempty"`
	PartitionKey  string  `json:"PartitionKey"`
	RowKey        string  `json:"RowKey"`
	Title         string  `json:"Title,omitempty"`
	Notes         string  `json:"Notes,omitempty"`
	Status        string  `json:"Status,omitempty"`
	PriorityScore float64 `json:"PriorityScore,omitempty"`
	Insight       string  `json:"Insight,omitempty"`
	AssigneeID    string  `json:"AssigneeId,omitempty"`
	UpdatedBy     string  `json:"UpdatedBy,omitempty"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type,omitempty"`
}

// statusUpdate carries the merged fields of a status transition.
type statusUpdate struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Status        string `json:"Status"`
	UpdatedBy     string `json:"UpdatedBy"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

// GetTask retrieves one task. A missing entity maps to ErrTaskNotFound.
func (s *Tasks) GetTask(ctx context.Context, teamID, taskID string) (domain.TaskRecord, error) {
	ent, err := s.getEntity(ctx, teamID, taskID)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return recordFromEntity(ent), nil
}

// UpdateTaskStatus merges a status transition into the entity under an
// If-Match on its ETag, re-reading and retrying when the entity moved in
// between. The stamped updatedAt never goes backwards even when clocks
// across writers disagree.
func (s *Tasks) UpdateTaskStatus(ctx context.Context, teamID, taskID, status, movedBy string) (domain.TaskRecord, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		ent, err := s.getEntity(ctx, teamID, taskID)
		if err != nil {
			return domain.TaskRecord{}, err
		}
		stamp := nextStamp(s.now().UnixMilli(), ent.UpdatedAt)
		upd := statusUpdate{
			PartitionKey:  teamID,
			RowKey:        taskID,
			Status:        status,
			UpdatedBy:     movedBy,
			UpdatedAt:     stamp,
			UpdatedAtType: edmInt64,
		}
		payload, err := json.Marshal(upd)
		if err != nil {
			return domain.TaskRecord{}, fmt.Errorf("encode status update: %w", err)
		}
		et := azcore.ETag(ent.ETag)
		if ent.ETag == "" {
			et = azcore.ETagAny
		}
		_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
		if err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) {
				switch respErr.StatusCode {
				case 404:
					return domain.TaskRecord{}, domain.ErrTaskNotFound
				case 412:
					continue
				}
			}
			return domain.TaskRecord{}, fmt.Errorf("update task %s/%s: %w", teamID, taskID, err)
		}
		ent.Status = status
		ent.UpdatedBy = movedBy
		ent.UpdatedAt = stamp
		return recordFromEntity(ent), nil
	}
	return domain.TaskRecord{}, domain.ErrConcurrencyConflict
}

func (s *Tasks) getEntity(ctx context.Context, teamID, taskID string) (taskEntity, error) {
	resp, err := s.table.GetEntity(ctx, teamID, taskID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return taskEntity{}, domain.ErrTaskNotFound
		}
		return taskEntity{}, fmt.Errorf("read task %s/%s: %w", teamID, taskID, err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return taskEntity{}, fmt.Errorf("decode task %s/%s: %w", teamID, taskID, err)
	}
	return ent, nil
}

func recordFromEntity(ent taskEntity) domain.TaskRecord {
	rec := domain.TaskRecord{
		ID:            ent.RowKey,
		TeamID:        ent.PartitionKey,
		Title:         ent.Title,
		Notes:         ent.Notes,
		Status:        ent.Status,
		PriorityScore: ent.PriorityScore,
		AssigneeID:    ent.AssigneeID,
		UpdatedBy:     ent.UpdatedBy,
		UpdatedAt:     ent.UpdatedAt,
	}
	if ent.Insight != "" {
		rec.Insight = sonic.NoCopyRawMessage(ent.Insight)
	}
	return rec
}

func nextStamp(nowMillis, current int64) int64 {
	if nowMillis <= current {
		return current + 1
	}
	return nowMillis
}
