package persona

import (
	"fmt"
	"strings"
)

// Story is a short narration a persona can tell about itself.
type Story struct {
	Topic string
	Text  string
}

// Telling is the result of TellStory.
type Telling struct {
	Persona         Persona
	Topic           string
	Story           string
	AvailableTopics []string
}

var stories = map[Persona][]Story{
	Krishna: {
		{Topic: "Butter Thief", Text: "As a child in Vrindavan, Krishna delighted villagers with playful mischief, especially stealing butter with friends, reminding everyone that joy and love matter as much as rules."},
		{Topic: "Govardhan Hill", Text: "Krishna lifted Govardhan Hill to shelter villagers from a torrential storm, teaching self-reliance, community, and respect for nature over empty ritual."},
		{Topic: "Gita Counsel", Text: "On the battlefield, Krishna guided Arjuna to act with clarity, devotion, and balance: do your duty without attachment to outcomes."},
	},
	Hanuman: {
		{Topic: "Leap to Lanka", Text: "Fuelled by devotion to Rama, Hanuman leapt across the ocean to Lanka, proving that courage grows boundlessly when your purpose is selfless."},
		{Topic: "Sanjeevani Mountain", Text: "When time was critical, Hanuman carried an entire mountain to save Lakshmana, prioritizing speed, pragmatism, and unwavering resolve."},
		{Topic: "Ring of Devotion", Text: "Hanuman's humility and single-pointed devotion made the impossible possible: power anchored in service, not pride."},
	},
	Ganesha: {
		{Topic: "Scribe of the Mahabharata", Text: "Ganesha agreed to write the Mahabharata for Vyasa, asking for an unbroken recitation: wisdom thrives with focus and fair conditions."},
		{Topic: "Broken Tusk", Text: "Ganesha broke his own tusk to keep writing when the pen failed, showing that progress often asks creative sacrifice."},
		{Topic: "Circumambulating Parents", Text: "Asked to circle the world, Ganesha walked around his parents, declaring them his universe: true insight sees essence, not appearances."},
	},
}

// Topics lists the story topics of p in narration order.
func Topics(p Persona) []string {
	list := stories[p]
	topics := make([]string, 0, len(list))
	for _, s := range list {
		topics = append(topics, s.Topic)
	}
	return topics
}

// TellStory picks the story named by topic, or the first story when topic is empty.
func TellStory(p Persona, topic string) (Telling, error) {
	if !p.Valid() {
		return Telling{}, ErrUnknownPersona
	}
	list := stories[p]
	if len(list) == 0 {
		return Telling{}, ErrNoStories
	}
	topics := Topics(p)
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Telling{Persona: p, Topic: list[0].Topic, Story: list[0].Text, AvailableTopics: topics}, nil
	}
	for _, s := range list {
		if s.Topic == topic {
			return Telling{Persona: p, Topic: s.Topic, Story: s.Text, AvailableTopics: topics}, nil
		}
	}
	return Telling{}, fmt.Errorf("%w %q, available: %s", ErrUnknownTopic, topic, strings.Join(topics, ", "))
}
