// Package agent runs conversation turns against hot-swappable language
// models. Each conversation owns a live binding (a constructed provider
// client plus the instruction text actually wired in); a reconciler
// compares the binding against the conversation's desired configuration
// before every model invocation and rebinds when they diverge, so a
// model or prompt swap takes effect at the next message boundary
// without restarting the process or losing history.
package agent
