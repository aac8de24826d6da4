package transport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// MockTransport provides a scripted implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration
	FileIndex    []models.ServerFile
	UserExists   bool
	OperationIDs []string // consumed by Start*Transfer in order
	Statuses     []OperationStatus
	FileContent  map[string][]byte // by file uuid, for DownloadFile

	// Error injection, keyed by operation name ("UploadFile", ...)
	Errors map[string]error

	// Request tracking
	Calls            []string
	Uploaded         []models.ServerFile
	Deleted          [][]models.ServerFile
	InboundSetups    [][]models.ServerFile
	StatusChecks     []string
	RemovedOpIDs     []string
	Downloaded       []string
	RemovedDownloads []string
	Cleanups         int

	// State
	opIDIndex   int
	statusIndex int
	offline     bool
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		FileContent: make(map[string][]byte),
		Errors:      make(map[string]error),
	}
}

// SetError injects an error for one operation name.
func (m *MockTransport) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[op] = err
}

// SetOffline makes Connected report false.
func (m *MockTransport) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// QueueStatus appends one poll result. Polls past the scripted list repeat
// the last entry.
func (m *MockTransport) QueueStatus(s OperationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses = append(m.Statuses, s)
}

// CallNames returns the recorded operation sequence.
func (m *MockTransport) CallNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.Calls...)
}

func (m *MockTransport) record(op string) error {
	m.Calls = append(m.Calls, op)
	if err, ok := m.Errors[op]; ok && err != nil {
		return err
	}
	return nil
}

func (m *MockTransport) CreateNewUser(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("CreateNewUser")
}

func (m *MockTransport) CheckForExistingUser(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CheckForExistingUser"); err != nil {
		return false, err
	}
	return m.UserExists, nil
}

func (m *MockTransport) GetFileIndex(ctx context.Context) ([]models.ServerFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetFileIndex"); err != nil {
		return nil, err
	}
	return append([]models.ServerFile{}, m.FileIndex...), nil
}

func (m *MockTransport) UploadFile(ctx context.Context, file *models.ServerFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UploadFile"); err != nil {
		return err
	}
	m.Uploaded = append(m.Uploaded, *file)
	return nil
}

func (m *MockTransport) DeleteFiles(ctx context.Context, files []models.ServerFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteFiles"); err != nil {
		return err
	}
	m.Deleted = append(m.Deleted, append([]models.ServerFile{}, files...))
	return nil
}

func (m *MockTransport) StartOutboundTransfer(ctx context.Context) (string, error) {
	return m.startTransfer("StartOutboundTransfer")
}

func (m *MockTransport) SetupInboundTransfer(ctx context.Context, files []models.ServerFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetupInboundTransfer"); err != nil {
		return err
	}
	m.InboundSetups = append(m.InboundSetups, append([]models.ServerFile{}, files...))
	return nil
}

func (m *MockTransport) StartInboundTransfer(ctx context.Context) (string, error) {
	return m.startTransfer("StartInboundTransfer")
}

func (m *MockTransport) startTransfer(op string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(op); err != nil {
		return "", err
	}
	if m.opIDIndex >= len(m.OperationIDs) {
		return fmt.Sprintf("op-%d", m.opIDIndex+1), nil
	}
	id := m.OperationIDs[m.opIDIndex]
	m.opIDIndex++
	return id, nil
}

func (m *MockTransport) CheckOperationStatus(ctx context.Context, operationID string) (*OperationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CheckOperationStatus"); err != nil {
		return nil, err
	}
	m.StatusChecks = append(m.StatusChecks, operationID)

	if len(m.Statuses) == 0 {
		return &OperationStatus{Status: models.RCOperationStatusSuccessfulCompletion}, nil
	}
	s := m.Statuses[m.statusIndex]
	if m.statusIndex < len(m.Statuses)-1 {
		m.statusIndex++
	}
	return &s, nil
}

func (m *MockTransport) RemoveOperationID(ctx context.Context, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RemoveOperationId"); err != nil {
		return err
	}
	m.RemovedOpIDs = append(m.RemovedOpIDs, operationID)
	return nil
}

func (m *MockTransport) DownloadFile(ctx context.Context, fileUUID, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DownloadFile"); err != nil {
		return err
	}
	m.Downloaded = append(m.Downloaded, fileUUID)

	content, ok := m.FileContent[fileUUID]
	if !ok {
		return fmt.Errorf("no mock content for %s", fileUUID)
	}
	if err := os.WriteFile(destPath, content, 0600); err != nil {
		return fmt.Errorf("write mock download: %w", err)
	}
	return nil
}

func (m *MockTransport) RemoveDownloadFile(ctx context.Context, fileUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RemoveDownloadFile"); err != nil {
		return err
	}
	m.RemovedDownloads = append(m.RemovedDownloads, fileUUID)
	return nil
}

func (m *MockTransport) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Cleanup"); err != nil {
		return err
	}
	m.Cleanups++
	return nil
}

func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}
