package pdf

import (
	"context"
	"io"
)

// Provider renders documents handed to restaurant operators. The returned
// reader holds the complete file.
type Provider interface {
	GenerateSettlementStatement(ctx context.Context, data StatementData) (io.Reader, error)
}
