// Package zap adapts go.uber.org/zap to the engine's Logger.
package zap

import (
	"github.com/requery-go/requery"
	"go.uber.org/zap"
)

type Logger struct{ L *zap.Logger }

var _ requery.Logger = Logger{}

func (z Logger) Debug(msg string, f requery.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f requery.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f requery.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f requery.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f requery.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
