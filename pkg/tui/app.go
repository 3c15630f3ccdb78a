package tui

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
)

// KeyEvent represents a keyboard event.
type KeyEvent struct {
	Key  tcell.Key
	Rune rune
	Mod  tcell.ModMask
}

// App is the main TUI application controller. It shows one node at a time
// out of a FetcherPool; with more than one node the number keys switch
// between them.
type App struct {
	model  *MultiNodeModel
	view   *View
	pool   *FetcherPool
	router *CommandRouter
	screen tcell.Screen
	now    func() time.Time

	// Channels
	stopChan chan struct{}
	keyChan  chan KeyEvent

	// Synchronization
	mu      sync.RWMutex
	running bool

	// Reconnection settings
	reconnectInterval time.Duration
	reconnectTimeout  time.Duration

	// Key debouncing for Windows
	lastKeyTime time.Time
	lastKey     tcell.Key
	lastRune    rune
}

// NewApp creates a dashboard over the nodes in pool.
func NewApp(pool *FetcherPool) *App {
	model := NewMultiNodeModel(pool.NodeIDs())
	model.ColorSupport = DetectColorSupport()
	model.UnicodeSupport = DetectUnicodeSupport()
	return &App{
		model:             model,
		view:              NewView(model.UnicodeSupport),
		pool:              pool,
		router:            NewCommandRouter(pool, model),
		now:               time.Now,
		stopChan:          make(chan struct{}),
		keyChan:           make(chan KeyEvent, 10),
		reconnectInterval: 5 * time.Second,
		reconnectTimeout:  30 * time.Second,
	}
}

// NewSingleNodeApp is a convenience for a dashboard over one node.
func NewSingleNodeApp(f DataFetcher) *App {
	pool := NewFetcherPool()
	pool.AddFetcher(f)
	return NewApp(pool)
}

// Run starts the TUI application main loop.
// It initializes the terminal, starts event handling, and runs the refresh loop.
// Returns an error if initialization fails.
func (a *App) Run() error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("failed to create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize screen: %w", err)
	}
	screen.DisableMouse()

	a.screen = screen
	a.screen.Clear()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollEvents(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconnectLoop(ctx)
	}()

	a.refresh()
	a.render()

	shutdown := func() error {
		cancel()
		// Fini unblocks PollEvent so pollEvents can return.
		a.cleanup()
		wg.Wait()
		return nil
	}

	for {
		select {
		case <-a.stopChan:
			return shutdown()

		case <-sigChan:
			return shutdown()

		case event := <-a.keyChan:
			if a.handleKeyEvent(event) {
				return shutdown()
			}
			a.render()
		}
	}
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		close(a.stopChan)
		a.running = false
	}
}

// cleanup restores the terminal state.
func (a *App) cleanup() {
	if a.screen != nil {
		a.screen.Fini()
	}
}

// pollEvents polls for terminal events and sends them to the key channel.
func (a *App) pollEvents(ctx context.Context) {
	for {
		ev := a.screen.PollEvent()
		if ev == nil {
			return
		}

		switch e := ev.(type) {
		case *tcell.EventKey:
			select {
			case a.keyChan <- KeyEvent{Key: e.Key(), Rune: e.Rune(), Mod: e.Modifiers()}:
			case <-ctx.Done():
				return
			}
		case *tcell.EventResize:
			a.screen.Sync()
			a.render()
		}
	}
}

// refreshLoop periodically refreshes every node.
func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.model.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh()
			a.render()
		}
	}
}

// reconnectLoop retries unreachable nodes.
func (a *App) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(a.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.attemptReconnect()
			a.render()
		}
	}
}

// attemptReconnect retries every unreachable fetcher. Attempts against the
// active node are counted so the banner can show them.
func (a *App) attemptReconnect() {
	for _, id := range a.pool.NodeIDs() {
		f := a.pool.GetFetcher(id)
		if f == nil || f.IsConnected() {
			continue
		}
		err := f.Reconnect()

		a.mu.Lock()
		if id == a.model.ActiveNodeID {
			a.model.ReconnectAttempts++
			a.model.LastReconnect = a.now()
			switch {
			case err == nil:
				a.model.Connected = true
				a.model.ReconnectAttempts = 0
				a.model.ErrorMessage = ""
			case a.model.ReconnectAttempts > int(a.reconnectTimeout/a.reconnectInterval):
				a.model.ErrorMessage = fmt.Sprintf("Cannot reach %s after %s. Check that the node is running.", id, a.reconnectTimeout)
			default:
				a.model.ErrorMessage = fmt.Sprintf("Reconnection attempt %d failed: %v", a.model.ReconnectAttempts, err)
			}
		}
		a.mu.Unlock()
	}
}

// refresh fetches every node and folds the results into the model.
// Fetching runs without the lock so a slow node never blocks key handling.
func (a *App) refresh() {
	results := a.pool.FetchAll()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Apply(results, a.now())
}

// render draws the current state to the screen.
func (a *App) render() {
	if a.screen == nil {
		return
	}
	w, h := a.screen.Size()

	a.mu.RLock()
	buf := a.view.Draw(a.model, w, h, a.now())
	a.mu.RUnlock()

	a.screen.Clear()
	buf.ApplyToScreen(a.screen, 0, 0)
	a.screen.Show()
}

// IsRunning returns whether the application is currently running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// GetModel returns the current model (for testing).
func (a *App) GetModel() *MultiNodeModel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// handleKeyEvent processes a keyboard event and updates the model.
// Returns true if the application should exit.
// Repeats of the same key within 200ms are dropped; Windows terminals
// deliver held keys as rapid duplicates.
func (a *App) handleKeyEvent(event KeyEvent) bool {
	a.mu.Lock()

	now := a.now()
	if now.Sub(a.lastKeyTime) < 200*time.Millisecond &&
		a.lastKey == event.Key && a.lastRune == event.Rune {
		a.mu.Unlock()
		return false
	}
	a.lastKeyTime = now
	a.lastKey = event.Key
	a.lastRune = event.Rune

	inCommand := a.model.ActivePanel == PanelCommand
	idle := !inCommand || a.model.CommandInput == ""

	switch {
	case event.Key == tcell.KeyCtrlC:
		a.mu.Unlock()
		return true

	case event.Rune == 'q' && idle:
		a.mu.Unlock()
		return true

	case event.Key == tcell.KeyBacktab,
		event.Key == tcell.KeyTab && event.Mod&tcell.ModShift != 0:
		a.model.PrevPanel()

	case event.Key == tcell.KeyTab:
		a.model.NextPanel()

	case event.Rune == 'r' && idle:
		a.mu.Unlock()
		a.refresh()
		return false

	case !inCommand && event.Rune >= '1' && event.Rune <= '9':
		a.model.SetActiveNodeByNumber(int(event.Rune - '0'))

	case inCommand:
		execute := a.handleCommandInput(event)
		if execute != "" {
			a.mu.Unlock()
			a.executeCommand(execute)
			return false
		}
	}

	a.mu.Unlock()
	return false
}

// handleCommandInput edits the command line. It returns the input to run
// when Enter was pressed.
func (a *App) handleCommandInput(event KeyEvent) string {
	switch event.Key {
	case tcell.KeyEnter:
		input := a.model.CommandInput
		a.model.CommandInput = ""
		return input

	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if n := len(a.model.CommandInput); n > 0 {
			a.model.CommandInput = a.model.CommandInput[:n-1]
		}

	case tcell.KeyEscape:
		a.model.CommandInput = ""
		a.model.ErrorMessage = ""

	case tcell.KeyRune:
		a.model.CommandInput += string(event.Rune)
	}
	return ""
}

// executeCommand runs input through the router. Node commands run outside
// the lock since fetchers may block on the network.
func (a *App) executeCommand(input string) {
	a.mu.Lock()
	cmd, err := ParseCommand(input)
	var res *CommandResult
	switch {
	case err != nil:
		res = &CommandResult{Error: err}
	case cmd.Type == CommandNode:
		res = a.router.Execute(input)
	}
	id := a.model.ActiveNodeID
	a.mu.Unlock()

	if res == nil {
		res = a.router.Run(id, cmd)
	}

	a.mu.Lock()
	if res.Error != nil {
		a.model.ErrorMessage = res.Error.Error()
		a.model.CommandOutput = ""
	} else {
		a.model.ErrorMessage = ""
		a.model.CommandOutput = res.Value
		a.model.AddEvent(Event{At: a.now(), NodeID: res.NodeID, Message: res.NodeID + ": " + res.Value})
	}
	a.mu.Unlock()

	a.refresh()
}

// DetectColorSupport reports whether the terminal advertises color.
func DetectColorSupport() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// DetectUnicodeSupport reports whether the locale looks UTF-8 capable.
func DetectUnicodeSupport() bool {
	for _, v := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if s := os.Getenv(v); s != "" {
			s = strings.ToLower(s)
			return strings.Contains(s, "utf-8") || strings.Contains(s, "utf8")
		}
	}
	return true
}
