package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/taskpilot/taskpilot/pkg/chat"
	"github.com/taskpilot/taskpilot/pkg/errors"
	"github.com/taskpilot/taskpilot/pkg/tasks"
)

const consoleHelp = `Commands:
  /list            show the task list
  /add <title>     add a task
  /done <n>        mark task n complete
  /undo <n>        mark task n incomplete
  /edit <n> <t>    retitle task n
  /rm <n>          delete task n
  /refresh         refetch the list from the server
  /help            this help
  /quit            exit
Anything else is sent to the assistant.`

func runConsole(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := buildStack()
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nInterrupted")
		cancel()
	}()

	if err := st.controller.Bootstrap(ctx); err != nil {
		if errors.IsAuthFailure(err) {
			fmt.Println("Your session has expired. Run `taskpilot login` first.")
			return nil
		}
		return err
	}

	identity := st.sessions.Identity()
	if identity == nil {
		fmt.Println("Not logged in. Run `taskpilot login` or `taskpilot register` first.")
		return nil
	}

	st.listener.Start()
	defer st.listener.Close()

	transcript := chat.NewTranscript(st.assistant, st.logger)

	fmt.Printf("taskpilot - logged in as %s <%s>\n", identity.Username, identity.Email)
	fmt.Println(chat.Welcome)
	fmt.Println("Type /help for commands.")
	printTaskList(st.controller.Tasks())

	// Background refreshes (assistant actions, push events) redraw the
	// list as they land.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-st.controller.Updates():
				fmt.Println("\n-- task list updated --")
				printTaskList(st.controller.Tasks())
				fmt.Print("> ")
			}
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := st.runCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		reply, err := transcript.Exchange(ctx, line)
		if err != nil {
			fmt.Println("assistant:", chat.ErrorReply)
			continue
		}
		fmt.Println("assistant:", reply.Response)
	}
}

// runCommand handles one slash command. Returns true when the console
// should exit.
func (s *stack) runCommand(ctx context.Context, line string) bool {
	parts := strings.SplitN(line, " ", 3)
	cmd := parts[0]

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		fmt.Println(consoleHelp)

	case "/list":
		printTaskList(s.controller.Tasks())

	case "/refresh":
		if err := s.controller.RefreshNow(ctx); err != nil {
			fmt.Println("refresh failed:", userFacing(err))
			break
		}
		printTaskList(s.controller.Tasks())

	case "/add":
		if len(parts) < 2 {
			fmt.Println("usage: /add <title>")
			break
		}
		title := strings.TrimSpace(strings.TrimPrefix(line, "/add "))
		if _, err := s.tasks.Create(ctx, title); err != nil {
			fmt.Println("add failed:", userFacing(err))
		}

	case "/done", "/undo":
		task, ok := s.taskAt(parts)
		if !ok {
			fmt.Printf("usage: %s <n>\n", cmd)
			break
		}
		want := cmd == "/done"
		if task.Completed == want {
			break
		}
		if err := s.tasks.ToggleComplete(ctx, task.ID, task.Completed); err != nil {
			fmt.Println("update failed:", userFacing(err))
		}

	case "/edit":
		task, ok := s.taskAt(parts)
		if !ok || len(parts) < 3 {
			fmt.Println("usage: /edit <n> <new title>")
			break
		}
		if _, err := s.tasks.Update(ctx, task.ID, strings.TrimSpace(parts[2]), task.Description); err != nil {
			fmt.Println("edit failed:", userFacing(err))
		}

	case "/rm":
		task, ok := s.taskAt(parts)
		if !ok {
			fmt.Println("usage: /rm <n>")
			break
		}
		if err := s.tasks.Remove(ctx, task.ID); err != nil {
			fmt.Println("remove failed:", userFacing(err))
		}

	default:
		fmt.Println("Unknown command. Type /help.")
	}
	return false
}

// taskAt resolves a 1-based list position from the command arguments.
func (s *stack) taskAt(parts []string) (tasks.Task, bool) {
	if len(parts) < 2 {
		return tasks.Task{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return tasks.Task{}, false
	}
	list := s.controller.Tasks()
	if n < 1 || n > len(list) {
		fmt.Printf("No task #%d\n", n)
		return tasks.Task{}, false
	}
	return list[n-1], true
}

func printTaskList(list []tasks.Task) {
	if len(list) == 0 {
		fmt.Println("No tasks yet. Add one with /add or just ask the assistant.")
		return
	}
	for i, task := range list {
		mark := " "
		if task.Completed {
			mark = "x"
		}
		line := fmt.Sprintf("%2d. [%s] %s", i+1, mark, task.Title)
		if task.Description != "" {
			line += " - " + task.Description
		}
		fmt.Println(line)
	}
}
