package web

import (
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/gorilla/feeds"
)

// GetDeadLetterFeed renders dead delivery jobs as an Atom feed so operators
// can subscribe to delivery failures.
func GetDeadLetterFeed(jobs []domain.DeliveryJob, domainName string, now time.Time) (string, error) {
	link := fmt.Sprintf("https://%s/admin/dead-letters", domainName)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Dead deliveries on %s", domainName),
		Link:        &feeds.Link{Href: link},
		Description: "Outbound deliveries that exhausted their attempts",
		Author:      &feeds.Author{Name: util.Name},
		Created:     now,
	}

	var feedItems []*feeds.Item
	for _, job := range jobs {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:          job.Id.String(),
				Title:       fmt.Sprintf("%s to %s", job.ActivityID, job.TargetInbox),
				Link:        &feeds.Link{Href: fmt.Sprintf("%s/%s", link, job.Id)},
				Description: fmt.Sprintf("%d attempts, last error: %s", job.AttemptCount, job.LastError),
				Author:      &feeds.Author{Name: job.SigningActor},
				Created:     job.CreatedAt,
				Updated:     job.UpdatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToAtom()
}
