package index

import (
	"sync"

	"github.com/koanrun/koan/internal/rag/parser/markdown"
	"github.com/koanrun/koan/internal/rag/parser/text"
)

var registerParsersOnce sync.Once

func ensureDefaultParsers() {
	registerParsersOnce.Do(func() {
		markdown.Register()
		text.Register()
	})
}
