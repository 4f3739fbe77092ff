package main

const identifierPrompt = `You read the first message a study participant sent to a chat assistant.
Participants were asked to start with an identifier made of the session date, the session time and their participant number, for example 14032024_1030_Participant7.
They often typed it loosely: other separators, words between the parts, a two-digit year, "P7" or "participant #7", the date written as 14/3/24 or "14 March 2024".

Return found=false when the message does not contain all of day, month, year, hour, minute and participant number.
Never guess a missing part. Never invent a date from words like "today".
Day-month order: the study ran in a country that writes day before month.
Use a four-digit year. Use 24-hour time.
When found=false set every number to 0.

Input JSON: {"message": "..."}
Return JSON matching the schema.`
