// Package logrus adapts sirupsen/logrus to the engine's Logger.
package logrus

import (
	"github.com/requery-go/requery"
	"github.com/sirupsen/logrus"
)

type Logger struct{ E *logrus.Entry }

var _ requery.Logger = Logger{}

func (l Logger) Debug(msg string, f requery.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f requery.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f requery.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f requery.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
