package store

import (
	"encoding/json"
	"fmt"

	"event-pipeline/internal/models"
)

func encodeEventJSON(evt models.Event) (related, data, changes []byte, err error) {
	if evt.RelatedEntities == nil {
		evt.RelatedEntities = []models.EntityRef{}
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	if evt.Changes == nil {
		evt.Changes = []models.Change{}
	}
	if related, err = json.Marshal(evt.RelatedEntities); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal related entities: %w", err)
	}
	if data, err = json.Marshal(evt.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal event data: %w", err)
	}
	if changes, err = json.Marshal(evt.Changes); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal changes: %w", err)
	}
	return related, data, changes, nil
}

func decodeEventJSON(evt *models.Event, related, data, changes []byte) error {
	if err := json.Unmarshal(related, &evt.RelatedEntities); err != nil {
		return fmt.Errorf("unmarshal related entities: %w", err)
	}
	if err := json.Unmarshal(data, &evt.Data); err != nil {
		return fmt.Errorf("unmarshal event data: %w", err)
	}
	if err := json.Unmarshal(changes, &evt.Changes); err != nil {
		return fmt.Errorf("unmarshal changes: %w", err)
	}
	if len(evt.RelatedEntities) == 0 {
		evt.RelatedEntities = nil
	}
	if len(evt.Changes) == 0 {
		evt.Changes = nil
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	return nil
}

func encodeAuditJSON(e models.AuditLogEntry) (oldValues, newValues, fields []byte, err error) {
	if oldValues, err = json.Marshal(e.OldValues); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal old values: %w", err)
	}
	if newValues, err = json.Marshal(e.NewValues); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal new values: %w", err)
	}
	if fields, err = json.Marshal(e.ChangedFields); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal changed fields: %w", err)
	}
	return oldValues, newValues, fields, nil
}

func decodeAuditJSON(e *models.AuditLogEntry, oldValues, newValues, fields []byte) error {
	if err := json.Unmarshal(oldValues, &e.OldValues); err != nil {
		return fmt.Errorf("unmarshal old values: %w", err)
	}
	if err := json.Unmarshal(newValues, &e.NewValues); err != nil {
		return fmt.Errorf("unmarshal new values: %w", err)
	}
	if err := json.Unmarshal(fields, &e.ChangedFields); err != nil {
		return fmt.Errorf("unmarshal changed fields: %w", err)
	}
	return nil
}
