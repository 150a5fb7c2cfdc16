package stub

import (
	"fmt"
	"strings"
)

// chatResult is the assistant's verdict on one message.
type chatResult struct {
	response        string
	actionPerformed bool
}

// runChat is a deliberately naive command parser standing in for the real
// assistant: it understands add/complete/delete/rename/list phrasings and
// mutates the task store directly. Anything else gets a canned reply.
func (s *Server) runChat(userID, message string) chatResult {
	text := strings.TrimSpace(message)
	lower := strings.ToLower(text)

	switch {
	case hasPrefixAny(lower, "add ", "create "):
		title := stripFiller(text[strings.Index(text, " ")+1:])
		if title == "" {
			return chatResult{response: "What should the task say?"}
		}
		task := s.store.createTask(userID, title, "", false)
		return chatResult{
			response:        fmt.Sprintf("Added %q to your list.", task.Title),
			actionPerformed: true,
		}

	case hasPrefixAny(lower, "complete ", "finish ", "done "):
		title := stripFiller(text[strings.Index(text, " ")+1:])
		task, ok := s.store.findTask(userID, title)
		if !ok {
			return chatResult{response: fmt.Sprintf("I couldn't find a task called %q.", title)}
		}
		s.store.setCompleted(userID, task.ID, true)
		return chatResult{
			response:        fmt.Sprintf("Marked %q as done.", task.Title),
			actionPerformed: true,
		}

	case hasPrefixAny(lower, "delete ", "remove "):
		title := stripFiller(text[strings.Index(text, " ")+1:])
		task, ok := s.store.findTask(userID, title)
		if !ok {
			return chatResult{response: fmt.Sprintf("I couldn't find a task called %q.", title)}
		}
		s.store.deleteTask(userID, task.ID)
		return chatResult{
			response:        fmt.Sprintf("Deleted %q.", task.Title),
			actionPerformed: true,
		}

	case strings.HasPrefix(lower, "rename "):
		rest := text[len("rename "):]
		parts := strings.SplitN(rest, " to ", 2)
		if len(parts) != 2 {
			return chatResult{response: `Say it like: rename <old title> to <new title>.`}
		}
		task, ok := s.store.findTask(userID, parts[0])
		if !ok {
			return chatResult{response: fmt.Sprintf("I couldn't find a task called %q.", strings.TrimSpace(parts[0]))}
		}
		updated, _ := s.store.updateTask(userID, task.ID, strings.TrimSpace(parts[1]), task.Description, task.Completed)
		return chatResult{
			response:        fmt.Sprintf("Renamed it to %q.", updated.Title),
			actionPerformed: true,
		}

	case hasPrefixAny(lower, "list", "show"):
		tasks := s.store.listTasks(userID)
		if len(tasks) == 0 {
			return chatResult{response: "Your list is empty."}
		}
		var b strings.Builder
		b.WriteString("Here's your list:\n")
		for _, task := range tasks {
			mark := " "
			if task.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "[%s] %s\n", mark, task.Title)
		}
		return chatResult{response: strings.TrimRight(b.String(), "\n")}

	default:
		return chatResult{response: "I can add, complete, rename, delete, or list your tasks. Try: add buy milk."}
	}
}

func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// stripFiller drops leading "a task to", "a task called", etc. so "add a
// task to buy milk" yields the title "buy milk".
func stripFiller(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, filler := range []string{"a task to ", "a task called ", "a task ", "task "} {
		if strings.HasPrefix(lower, filler) {
			return strings.TrimSpace(s[len(filler):])
		}
	}
	return s
}
