// Package transcript persists conversation history as JSONL files, one
// file per conversation. Assistant messages record which model produced
// them so a transcript remains interpretable after a mid-conversation
// model swap.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Message is a single conversation turn.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Model     string                 `json:"model,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is a message together with the conversation it belongs to.
type Entry struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// Store manages transcript persistence under a single directory.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a Store rooted at dir. An empty dir defaults to
// ~/.pivot/transcripts.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".pivot", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")

	return s, nil
}

// validateID rejects conversation IDs that could escape the store directory.
func (s *Store) validateID(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation ID cannot be empty")
	}
	if strings.Contains(conversationID, "..") {
		return fmt.Errorf("conversation ID cannot contain '..'")
	}
	if strings.ContainsAny(conversationID, "/\\") {
		return fmt.Errorf("conversation ID cannot contain path separators")
	}
	if strings.Contains(conversationID, "\x00") {
		return fmt.Errorf("conversation ID cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".jsonl")
}

func (s *Store) getWriteLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[conversationID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[conversationID] = lock
	return lock
}

func (s *Store) releaseWriteLock(conversationID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, conversationID)
}

// Append appends a message to a conversation transcript, creating the
// file on first use.
func (s *Store) Append(ctx context.Context, conversationID string, message Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(
		ctx,
		"pivot.transcript",
		"transcript.append",
		attribute.String("conversation_id", conversationID),
		attribute.String("role", message.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordTranscriptWrite(time.Since(start))
	}()

	if err := s.validateID(conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(conversationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		ConversationID: conversationID,
		Message:        message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync transcript file: %w", err)
	}

	logger.Debug().
		Str("role", message.Role).
		Msg("Message appended")

	return nil
}

// Load reads every valid message from a conversation transcript.
// Corrupted lines are skipped, not fatal.
func (s *Store) Load(ctx context.Context, conversationID string) ([]Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(
		ctx,
		"pivot.transcript",
		"transcript.load",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordTranscriptLoad(time.Since(start))
	}()

	if err := s.validateID(conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	transcriptPath := s.path(conversationID)

	if _, err := os.Stat(transcriptPath); os.IsNotExist(err) {
		return []Entry{}, nil
	}

	file, err := os.Open(transcriptPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}

		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().
		Int("messages", len(entries)).
		Msg("Transcript loaded")

	return entries, nil
}

// Delete removes a conversation transcript. Deleting a transcript that
// does not exist is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(
		ctx,
		"pivot.transcript",
		"transcript.delete",
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := s.validateID(conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(conversationID)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}

	s.releaseWriteLock(conversationID)
	logger.Info().Msg("Transcript deleted")

	return nil
}

// List returns the IDs of every conversation with a transcript on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}

	return ids, nil
}

// Info returns size, modification time, and message count for a transcript.
func (s *Store) Info(ctx context.Context, conversationID string) (map[string]interface{}, error) {
	if err := s.validateID(conversationID); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("transcript does not exist")
		}
		return nil, fmt.Errorf("failed to stat transcript file: %w", err)
	}

	entries, err := s.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"conversationId": conversationID,
		"size":           info.Size(),
		"lastModified":   info.ModTime(),
		"messageCount":   len(entries),
	}, nil
}

// Repair rewrites a transcript keeping only its valid lines.
func (s *Store) Repair(ctx context.Context, conversationID string) error {
	if err := s.validateID(conversationID); err != nil {
		return err
	}

	entries, err := s.Load(ctx, conversationID)
	if err != nil {
		return err
	}

	lock := s.getWriteLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	transcriptPath := s.path(conversationID)
	tempPath := transcriptPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempPath, transcriptPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	log.Info().
		Str("conversationId", conversationID).
		Int("entries", len(entries)).
		Msg("Transcript repaired")

	return nil
}

// Close releases all per-conversation write locks.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()

	return nil
}
