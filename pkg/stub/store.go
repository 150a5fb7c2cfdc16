package stub

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// User is a registered account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	password string
}

// Task mirrors the wire shape the client expects.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// store holds all backend state in memory. Everything resets on restart,
// which is the point of a dev backend.
type store struct {
	mu sync.Mutex

	usersByEmail map[string]*User
	usersByID    map[string]*User

	nextTaskID int64
	taskOrder  map[string][]int64
	tasksByID  map[string]map[int64]*Task

	conversations map[string]string // conversation id -> owning user id
}

func newStore() *store {
	return &store{
		usersByEmail:  make(map[string]*User),
		usersByID:     make(map[string]*User),
		nextTaskID:    1,
		taskOrder:     make(map[string][]int64),
		tasksByID:     make(map[string]map[int64]*Task),
		conversations: make(map[string]string),
	}
}

func (s *store) createUser(username, email, password string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if _, exists := s.usersByEmail[key]; exists {
		return nil, false
	}

	user := &User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    email,
		password: password,
	}
	s.usersByEmail[key] = user
	s.usersByID[user.ID] = user
	s.tasksByID[user.ID] = make(map[int64]*Task)
	return user, true
}

func (s *store) authenticate(email, password string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok || user.password != password {
		return nil, false
	}
	return user, true
}

func (s *store) user(id string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[id]
	return user, ok
}

func (s *store) listTasks(userID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.taskOrder[userID]))
	for _, id := range s.taskOrder[userID] {
		if task, ok := s.tasksByID[userID][id]; ok {
			out = append(out, *task)
		}
	}
	return out
}

func (s *store) createTask(userID, title, description string, completed bool) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &Task{
		ID:          s.nextTaskID,
		Title:       title,
		Description: description,
		Completed:   completed,
	}
	s.nextTaskID++
	if s.tasksByID[userID] == nil {
		s.tasksByID[userID] = make(map[int64]*Task)
	}
	s.tasksByID[userID][task.ID] = task
	s.taskOrder[userID] = append(s.taskOrder[userID], task.ID)
	return *task
}

func (s *store) updateTask(userID string, id int64, title, description string, completed bool) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasksByID[userID][id]
	if !ok {
		return Task{}, false
	}
	task.Title = title
	task.Description = description
	task.Completed = completed
	return *task, true
}

func (s *store) setCompleted(userID string, id int64, completed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasksByID[userID][id]
	if !ok {
		return false
	}
	task.Completed = completed
	return true
}

func (s *store) deleteTask(userID string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasksByID[userID][id]; !ok {
		return false
	}
	delete(s.tasksByID[userID], id)
	order := s.taskOrder[userID]
	for i, known := range order {
		if known == id {
			s.taskOrder[userID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return true
}

// findTask matches a task by exact id-insensitive title, used by the chat
// command parser.
func (s *store) findTask(userID, title string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := strings.ToLower(strings.TrimSpace(title))
	for _, id := range s.taskOrder[userID] {
		task := s.tasksByID[userID][id]
		if strings.ToLower(task.Title) == want {
			return *task, true
		}
	}
	return Task{}, false
}

// conversation returns the existing conversation when the id belongs to the
// user, otherwise issues a fresh one.
func (s *store) conversation(userID, conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.conversations[conversationID]; ok && owner == userID {
		return conversationID
	}
	id := uuid.NewString()
	s.conversations[id] = userID
	return id
}
