// Copyright (C) 2024 XELIS
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package notify posts block candidates to a Discord webhook.
package notify

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/node"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
)

type embedSender interface {
	CreateEmbeds(embeds []discord.Embed, opts ...rest.RequestOpt) (*discord.Message, error)
}

type Notifier struct {
	client embedSender
	close  func(ctx context.Context)
}

func New(url string) (*Notifier, error) {
	client, err := webhook.NewWithURL(url)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		client: client,
		close:  client.Close,
	}, nil
}

func BlockEmbed(job *node.Job, diff uint64) discord.Embed {
	return discord.NewEmbedBuilder().
		SetTitlef("Block submitted at height %d", job.Height).
		SetDescriptionf("Algorithm: %s\nShare difficulty: %d\nNetwork difficulty: %d\nSeed: %s",
			job.Algorithm, diff, job.BlockDiff, hex.EncodeToString(job.Seed[:8])).
		SetTimestamp(time.Now()).
		Build()
}

// BlockSubmitted posts the embed in the background, failures are only logged.
func (n *Notifier) BlockSubmitted(job *node.Job, diff uint64) {
	embed := BlockEmbed(job, diff)

	go func() {
		_, err := n.client.CreateEmbeds([]discord.Embed{embed})
		if err != nil {
			log.Warn("webhook submit failed:", err)
			return
		}
		log.Info("webhook submit successfully")
	}()
}

func (n *Notifier) Close() {
	if n.close == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.close(ctx)
}
