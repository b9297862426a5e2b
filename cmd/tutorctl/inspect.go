package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/curriculum"
	"github.com/loqalabs/loqa-tutor/internal/persona"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check curriculum files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				p, store, err := curriculum.LoadFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d steps\n", path, p, store.Count())
			}
			return nil
		},
	}
}

func newProbeCmd() *cobra.Command {
	var baseDir string
	cmd := &cobra.Command{
		Use:   "probe REF...",
		Short: "Resolve audio assets and report how they would be played",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := audio.NewResolver(baseDir, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ref := range args {
				desc, err := resolver.Resolve(ref)
				if err != nil {
					return fmt.Errorf("%s: %w", ref, err)
				}
				if !desc.Streamable() {
					fmt.Fprintf(out, "%s: %s %s, sent as-is\n", ref, desc.Container, humanize.Bytes(uint64(desc.Size)))
					continue
				}
				chunks, err := audio.Stream(cmd.Context(), desc, func(audio.Chunk) error { return nil })
				if err != nil {
					return fmt.Errorf("%s: %w", ref, err)
				}
				fmt.Fprintf(out, "%s: wav %d Hz %d ch %d-bit %s, %d chunks\n",
					ref, desc.SampleRate, desc.Channels, desc.BitsPerSample, humanize.Bytes(uint64(desc.Size)), chunks)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseDir, "base-dir", ".", "Directory relative references resolve against")
	return cmd
}

func newLessonCmd() *cobra.Command {
	var (
		file  string
		lang  string
		clamp bool
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "lesson PERSONA [INDEX]",
		Short: "Render lesson narration",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := persona.Parse(args[0])
			if err != nil {
				return err
			}
			library, err := curriculum.Load(file)
			if err != nil {
				return err
			}
			opts := curriculum.TeachOptions{Clamp: clamp, Language: curriculum.Language(lang)}

			index := 0
			if len(args) == 2 {
				if index, err = strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("index %q: %w", args[1], err)
				}
			}
			for {
				lesson, err := library.Teach(p, index, opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%d/%d] %s\n%s\n\n", lesson.Index+1, lesson.Total, lesson.Title, lesson.NarrationText)
				if !all || lesson.NextStepIndex == nil {
					return nil
				}
				index = *lesson.NextStepIndex
			}
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Curriculum file replacing the built-in one")
	cmd.Flags().StringVar(&lang, "lang", string(curriculum.English), "Narration language (en, hi)")
	cmd.Flags().BoolVar(&clamp, "clamp", false, "Fall back to step 0 for an out-of-range index")
	cmd.Flags().BoolVar(&all, "all", false, "Render every step from INDEX to the end")
	return cmd
}

func newStoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "story PERSONA [TOPIC]",
		Short: "Tell a persona story",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := persona.Parse(args[0])
			if err != nil {
				return err
			}
			topic := ""
			if len(args) == 2 {
				topic = args[1]
			}
			telling, err := persona.TellStory(p, topic)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", telling.Topic, telling.Story)
			return nil
		},
	}
}
