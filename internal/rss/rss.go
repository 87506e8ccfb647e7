// Package rss renders the anonymous Top Headlines section as an RSS 2.0 feed.
package rss

import (
	"encoding/xml"
	"strings"
	"time"

	"sportsfeed/internal/sections"
)

const atomNS = "http://www.w3.org/2005/Atom"

// RSS is the root element of an RSS feed.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	AtomNS  string   `xml:"xmlns:atom,attr,omitempty"`
	Channel Channel  `xml:"channel"`
}

// Channel represents the channel element in an RSS feed.
type Channel struct {
	XMLName       xml.Name  `xml:"channel"`
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	Language      string    `xml:"language,omitempty"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"` // RFC1123Z
	SelfLink      *AtomLink `xml:"atom:link,omitempty"`
	Items         []Item    `xml:"item"`
}

// AtomLink is the rel="self" link feed validators expect.
type AtomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

// Item represents an item element in an RSS feed.
type Item struct {
	XMLName     xml.Name `xml:"item"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description,omitempty"`
	Category    string   `xml:"category,omitempty"`
	PubDate     string   `xml:"pubDate,omitempty"` // RFC1123Z
	GUID        GUID     `xml:"guid"`
}

// GUID identifies an item; article ids are not permalinks.
type GUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// ChannelInfo carries the channel-level metadata.
type ChannelInfo struct {
	Title       string
	Description string
	SiteURL     string
	Language    string
}

// Build turns assembled headline items into a feed document.
func Build(info ChannelInfo, items []sections.Item, now time.Time) RSS {
	lang := info.Language
	if lang == "" {
		lang = "en-us"
	}
	doc := RSS{
		Version: "2.0",
		AtomNS:  atomNS,
		Channel: Channel{
			Title:         info.Title,
			Link:          info.SiteURL,
			Description:   info.Description,
			Language:      lang,
			LastBuildDate: now.UTC().Format(time.RFC1123Z),
			Items:         make([]Item, 0, len(items)),
		},
	}
	if info.SiteURL != "" {
		doc.Channel.SelfLink = &AtomLink{
			Href: strings.TrimSuffix(info.SiteURL, "/") + "/rss",
			Rel:  "self",
			Type: "application/rss+xml",
		}
	}

	for _, it := range items {
		item := Item{
			Title:       it.Title,
			Link:        it.URL,
			Description: it.Summary,
			Category:    it.TeamTag,
			GUID:        GUID{Value: it.ID},
		}
		if !it.PublishedAt.IsZero() {
			item.PubDate = it.PublishedAt.UTC().Format(time.RFC1123Z)
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}
	return doc
}

// Marshal renders the document with an XML declaration.
func Marshal(doc RSS) ([]byte, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
