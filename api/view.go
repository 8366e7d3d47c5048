package api

import (
	"time"

	"github.com/vinayprograms/replykit/tasks"
)

// TaskView is the JSON form of a task.
type TaskView struct {
	ID                string          `json:"id"`
	SourceContentID   string          `json:"source_content_id"`
	MentionID         string          `json:"mention_id"`
	Status            tasks.Status    `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Attempts          int             `json:"attempts"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	SourceText        string          `json:"source_text,omitempty"`
	SourceMedia       []tasks.Media   `json:"source_media,omitempty"`
	ReferencedContent []tasks.Content `json:"referenced_content,omitempty"`
	SourceUser        *tasks.UserInfo `json:"source_user,omitempty"`
	ResultMedia       []string        `json:"result_media,omitempty"`
	ReplyText         string          `json:"reply_text,omitempty"`
	ResponseID        string          `json:"response_id,omitempty"`
}

func viewOf(t *tasks.Task) *TaskView {
	if t == nil {
		return nil
	}
	return &TaskView{
		ID:                t.ID,
		SourceContentID:   t.SourceContentID,
		MentionID:         t.MentionID,
		Status:            t.Status,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		Attempts:          t.Attempts,
		ErrorMessage:      t.ErrorMessage,
		SourceText:        t.SourceText,
		SourceMedia:       t.SourceMedia,
		ReferencedContent: t.ReferencedContent,
		SourceUser:        t.SourceUser,
		ResultMedia:       t.ResultMedia,
		ReplyText:         t.ReplyText,
		ResponseID:        t.ResponseID,
	}
}

func viewsOf(ts []*tasks.Task) []*TaskView {
	out := make([]*TaskView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewOf(t))
	}
	return out
}
