package archive

import (
	"context"

	"msgarchive/internal/domain"
	"msgarchive/internal/metrics"

	"github.com/sirupsen/logrus"
)

// resolveDelete removes the stored row a retained clear refers to: the row
// named by the identifier property when the publisher sent one, otherwise the
// newest row of the topic. Failures are logged and never returned.
func (a *Archive) resolveDelete(ctx context.Context, ev *domain.Event) {
	log := a.log.WithField("topic", ev.Topic)

	target, ok := ev.Property(domain.IdentifierProperty)
	result := metrics.DeleteByID
	if ok {
		log.WithField("ulid", target).Debug("retained clear carries identifier")
	} else {
		latest, found, err := a.store.LatestID(ctx, ev.Topic)
		if err != nil {
			a.metrics.Delete(metrics.DeleteError)
			log.WithError(err).Warn("failed to look up latest message")
			return
		}
		if !found {
			a.metrics.Delete(metrics.DeleteMissing)
			log.Warn("no message found to delete")
			return
		}
		target, result = latest, metrics.DeleteByLatest
		log.WithField("ulid", target).Debug("deleting latest message of topic")
	}

	n, err := a.store.Delete(ctx, ev.Topic, target)
	if err != nil {
		a.metrics.Delete(metrics.DeleteError)
		log.WithError(err).WithField("ulid", target).Error("failed to delete message")
		return
	}
	if n == 0 {
		a.metrics.Delete(metrics.DeleteMissing)
		log.WithField("ulid", target).Warn("no message found to delete")
		return
	}
	a.metrics.Delete(result)
	log.WithFields(logrus.Fields{"ulid": target, "rows": n}).Info("deleted message for cleared retained topic")
}
